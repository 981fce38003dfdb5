package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/emsassist/protocolguide/internal/domain/providers"
	"github.com/emsassist/protocolguide/internal/infrastructure/observability"
	"github.com/emsassist/protocolguide/pkg/config"
	apperrors "github.com/emsassist/protocolguide/pkg/errors"
	"github.com/emsassist/protocolguide/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Strategy identifies which tier of the fallback chain served a result
type Strategy string

const (
	StrategyPrimary     Strategy = "primary"
	StrategyCache       Strategy = "cache"
	StrategyFile        Strategy = "file"
	StrategySafeDefault Strategy = "safe-default"
)

// Outcome carries the data a fallback chain produced together with how it
// was produced. Success is false only for the safe default: every other
// strategy, including an authoritative "not found", counts as success.
type Outcome[T any] struct {
	Success       bool
	Data          T
	StrategyUsed  Strategy
	FallbacksUsed []Strategy
	RecoveryTime  time.Duration
}

// Manager coordinates retries, circuit breakers, and the fallback cache for
// read-path calls. It never returns an error: callers always get an Outcome,
// in the worst case the safe default.
type Manager struct {
	breakers    *BreakerSet
	memory      providers.CacheProvider
	remote      providers.CacheProvider
	retryCfg    retry.Config
	callTimeout time.Duration
	cacheTTL    int
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

// NewManager creates a recovery manager. remote is the shared cache tier and
// may be nil; memory is required. metrics may be nil in tests.
func NewManager(cfg config.ResilienceConfig, breakers *BreakerSet, memory, remote providers.CacheProvider, metrics *observability.Metrics) *Manager {
	retryCfg := retry.DefaultConfig()
	if cfg.RetryAttempts > 0 {
		retryCfg.MaxAttempts = cfg.RetryAttempts
	}
	if cfg.RetryBaseDelay > 0 {
		retryCfg.InitialDelay = cfg.RetryBaseDelay
	}

	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 2 * time.Second
	}

	cacheTTL := int(cfg.FallbackCacheTTL.Seconds())
	if cacheTTL <= 0 {
		cacheTTL = 3600
	}

	return &Manager{
		breakers:    breakers,
		memory:      memory,
		remote:      remote,
		retryCfg:    retryCfg,
		callTimeout: callTimeout,
		cacheTTL:    cacheTTL,
		metrics:     metrics,
		logger:      observability.ComponentLogger("recovery"),
	}
}

// Breakers exposes the breaker set for health reporting
func (m *Manager) Breakers() *BreakerSet {
	return m.breakers
}

// Execute runs primary through the fallback chain for the named dependency:
// primary (with retry, gated by the dependency's breaker), then the fallback
// cache, then the flat-file tier, then the safe default (T's zero value).
// signature keys the fallback cache; calls with the same signature share
// cached results. fileFallback may be nil when no file tier applies.
//
// Execute is a function rather than a method because methods cannot carry
// type parameters.
func Execute[T any](ctx context.Context, m *Manager, dependency, signature string, primary func(context.Context) (T, error), fileFallback func(context.Context) (T, error)) Outcome[T] {
	start := time.Now()
	var fallbacks []Strategy

	raw, err := m.callPrimary(ctx, dependency, func(callCtx context.Context) (interface{}, error) {
		value, callErr := primary(callCtx)
		return value, callErr
	})
	if err == nil {
		var data T
		if raw != nil {
			data = raw.(T)
		}
		m.storeResult(signature, data)
		return outcome(true, data, StrategyPrimary, fallbacks, start)
	}
	if apperrors.IsNotFound(err) {
		// An authoritative miss is a result, not a failure
		var zero T
		return outcome(true, zero, StrategyPrimary, fallbacks, start)
	}

	m.logger.Warn().Err(err).
		Str("dependency", dependency).
		Str("signature", signature).
		Msg("primary exhausted, entering fallback chain")
	fallbacks = append(fallbacks, StrategyPrimary)

	if cached, ok := loadCached[T](ctx, m, signature); ok {
		return outcome(true, cached, StrategyCache, fallbacks, start)
	}
	fallbacks = append(fallbacks, StrategyCache)

	if fileFallback != nil {
		fileCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
		data, fileErr := fileFallback(fileCtx)
		cancel()
		if fileErr == nil {
			m.storeResult(signature, data)
			return outcome(true, data, StrategyFile, fallbacks, start)
		}
		if apperrors.IsNotFound(fileErr) {
			var zero T
			return outcome(true, zero, StrategyFile, fallbacks, start)
		}
		m.logger.Error().Err(fileErr).Str("dependency", dependency).Msg("file fallback failed")
	}
	fallbacks = append(fallbacks, StrategyFile)

	m.logger.Error().
		Str("dependency", dependency).
		Str("signature", signature).
		Msg("all recovery strategies exhausted, serving safe default")

	var zero T
	return outcome(false, zero, StrategySafeDefault, fallbacks, start)
}

// callPrimary runs the primary call with retry, each attempt gated by the
// dependency's breaker and bounded by the per-call timeout. An open breaker
// or a terminal error stops the retry loop immediately.
func (m *Manager) callPrimary(ctx context.Context, dependency string, primary func(context.Context) (interface{}, error)) (interface{}, error) {
	var result interface{}
	var terminalErr error

	err := retry.DoWithLog(ctx, m.retryCfg, dependency, func() error {
		callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
		defer cancel()

		value, callErr := m.breakers.Execute(dependency, func() (interface{}, error) {
			return primary(callCtx)
		})
		if callErr == nil {
			result = value
			return nil
		}
		if errors.Is(callErr, gobreaker.ErrOpenState) || errors.Is(callErr, gobreaker.ErrTooManyRequests) {
			terminalErr = callErr
			return nil
		}
		if !apperrors.IsTransient(callErr) {
			terminalErr = callErr
			return nil
		}
		return callErr
	}, func(attempt int, attemptErr error, nextDelay time.Duration) {
		m.logger.Debug().Err(attemptErr).
			Str("dependency", dependency).
			Int("attempt", attempt).
			Dur("next_delay", nextDelay).
			Msg("primary attempt failed, retrying")
	})

	if err != nil {
		return nil, err
	}
	if terminalErr != nil {
		return nil, terminalErr
	}
	return result, nil
}

func (m *Manager) storeResult(signature string, data interface{}) {
	if signature == "" {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		m.logger.Warn().Err(err).Str("signature", signature).Msg("failed to marshal result for fallback cache")
		return
	}

	bgCtx := context.Background()
	if err := m.memory.Set(bgCtx, signature, payload, m.cacheTTL); err != nil {
		m.logger.Warn().Err(err).Str("signature", signature).Msg("failed to write memory fallback cache")
	}
	if m.remote != nil {
		// Shared tier updated asynchronously so it never slows the read path
		go func() {
			if err := m.remote.Set(context.Background(), signature, payload, m.cacheTTL); err != nil {
				m.logger.Debug().Err(err).Str("signature", signature).Msg("failed to write remote fallback cache")
			}
		}()
	}
}

func loadCached[T any](ctx context.Context, m *Manager, signature string) (T, bool) {
	var zero T
	if signature == "" {
		return zero, false
	}

	if payload, err := m.memory.Get(ctx, signature); err == nil {
		var data T
		if err := json.Unmarshal(payload, &data); err == nil {
			m.recordCache(ctx, "memory", true)
			return data, true
		}
	}
	m.recordCache(ctx, "memory", false)

	if m.remote != nil {
		if payload, err := m.remote.Get(ctx, signature); err == nil {
			var data T
			if err := json.Unmarshal(payload, &data); err == nil {
				m.recordCache(ctx, "remote", true)
				// Promote to the memory tier for the next miss
				if err := m.memory.Set(ctx, signature, payload, m.cacheTTL); err != nil {
					m.logger.Debug().Err(err).Msg("failed to promote cached result")
				}
				return data, true
			}
		}
		m.recordCache(ctx, "remote", false)
	}

	return zero, false
}

func (m *Manager) recordCache(ctx context.Context, tier string, hit bool) {
	if m.metrics == nil {
		return
	}
	if hit {
		observability.RecordCacheHit(ctx, m.metrics, tier)
	} else {
		observability.RecordCacheMiss(ctx, m.metrics, tier)
	}
}

func outcome[T any](success bool, data T, strategy Strategy, fallbacks []Strategy, start time.Time) Outcome[T] {
	return Outcome[T]{
		Success:       success,
		Data:          data,
		StrategyUsed:  strategy,
		FallbacksUsed: fallbacks,
		RecoveryTime:  time.Since(start),
	}
}

// Fallbacks renders the fallback list as strings, for telemetry rows
func (o Outcome[T]) Fallbacks() []string {
	out := make([]string, len(o.FallbacksUsed))
	for i, s := range o.FallbacksUsed {
		out[i] = string(s)
	}
	return out
}
