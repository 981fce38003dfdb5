package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/emsassist/protocolguide/internal/infrastructure/observability"
	"github.com/emsassist/protocolguide/pkg/config"
	apperrors "github.com/emsassist/protocolguide/pkg/errors"
	"github.com/sony/gobreaker"
)

// BreakerSet holds one independent circuit breaker per named dependency
// (e.g. "structured-store", "vector-index"). Breakers are created lazily on
// first use; the set is safe for concurrent use.
type BreakerSet struct {
	mu          sync.Mutex
	breakers    map[string]*gobreaker.CircuitBreaker
	lastFailure map[string]time.Time
	cfg         config.ResilienceConfig
	metrics     *observability.Metrics
}

// NewBreakerSet creates a breaker set with the given thresholds. metrics may
// be nil in tests.
func NewBreakerSet(cfg config.ResilienceConfig, metrics *observability.Metrics) *BreakerSet {
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 3
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = 30 * time.Second
	}
	if cfg.HalfOpenTrials <= 0 {
		cfg.HalfOpenTrials = 3
	}
	return &BreakerSet{
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		lastFailure: make(map[string]time.Time),
		cfg:         cfg,
		metrics:     metrics,
	}
}

// Execute runs fn through the breaker for dependency. Not-found and other
// terminal application errors do not count as failures; only transient
// infrastructure errors trip the breaker.
func (s *BreakerSet) Execute(dependency string, fn func() (interface{}, error)) (interface{}, error) {
	result, err := s.breaker(dependency).Execute(fn)
	if err != nil && apperrors.IsTransient(err) {
		s.mu.Lock()
		s.lastFailure[dependency] = time.Now()
		s.mu.Unlock()
	}
	return result, err
}

// State returns the breaker state for a dependency
func (s *BreakerSet) State(dependency string) gobreaker.State {
	return s.breaker(dependency).State()
}

// States returns the state of every known breaker, keyed by dependency
func (s *BreakerSet) States() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make(map[string]string, len(s.breakers))
	for name, cb := range s.breakers {
		states[name] = cb.State().String()
	}
	return states
}

// AnyOpen reports whether any breaker is currently open
func (s *BreakerSet) AnyOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cb := range s.breakers {
		if cb.State() == gobreaker.StateOpen {
			return true
		}
	}
	return false
}

// LastFailure returns the time of the most recent counted failure for a
// dependency, or the zero time if none occurred.
func (s *BreakerSet) LastFailure(dependency string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFailure[dependency]
}

func (s *BreakerSet) breaker(dependency string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[dependency]; ok {
		return cb
	}

	threshold := uint32(s.cfg.BreakerThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        dependency,
		MaxRequests: uint32(s.cfg.HalfOpenTrials),
		Timeout:     s.cfg.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !apperrors.IsTransient(err)
		},
		OnStateChange: s.onStateChange,
	})
	s.breakers[dependency] = cb
	return cb
}

func (s *BreakerSet) onStateChange(name string, from, to gobreaker.State) {
	logger := observability.ComponentLogger("circuit-breaker")
	logger.Warn().
		Str("dependency", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit breaker state change")

	if s.metrics != nil {
		observability.RecordBreakerTransition(context.Background(), s.metrics, name, from.String(), to.String())
	}
}
