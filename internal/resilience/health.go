package resilience

import (
	"context"

	"github.com/sony/gobreaker"
)

// Status is the overall health verdict exposed by the health endpoint
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Health is a point-in-time snapshot of the subsystem's dependencies
type Health struct {
	Status           Status            `json:"status"`
	StoreReachable   bool              `json:"store_reachable"`
	Breakers         map[string]string `json:"breakers"`
	FallbackEntries  int               `json:"fallback_cache_entries"`
	CorpusAccessible bool              `json:"corpus_accessible"`
}

// Pinger checks connectivity to the structured store
type Pinger interface {
	Ping(ctx context.Context) error
}

// CacheSizer reports the fallback cache's current entry count
type CacheSizer interface {
	Len() int
}

// CorpusChecker reports whether the flat-file tier is still readable
type CorpusChecker interface {
	Accessible() bool
}

// HealthChecker derives the subsystem status from its dependencies:
// healthy when everything answers, degraded while any fallback tier is
// carrying load, unhealthy only when even the file tier is gone.
type HealthChecker struct {
	store    Pinger
	breakers *BreakerSet
	cache    CacheSizer
	corpus   CorpusChecker
}

// NewHealthChecker creates a health checker. Any dependency may be nil and
// is then treated as absent rather than failing.
func NewHealthChecker(store Pinger, breakers *BreakerSet, cache CacheSizer, corpus CorpusChecker) *HealthChecker {
	return &HealthChecker{
		store:    store,
		breakers: breakers,
		cache:    cache,
		corpus:   corpus,
	}
}

// Check returns the current health snapshot
func (h *HealthChecker) Check(ctx context.Context) Health {
	health := Health{
		Status:   StatusHealthy,
		Breakers: map[string]string{},
	}

	if h.store != nil {
		health.StoreReachable = h.store.Ping(ctx) == nil
	}
	if h.cache != nil {
		health.FallbackEntries = h.cache.Len()
	}
	if h.corpus != nil {
		health.CorpusAccessible = h.corpus.Accessible()
	}

	anyOpen := false
	if h.breakers != nil {
		health.Breakers = h.breakers.States()
		for name := range health.Breakers {
			if h.breakers.State(name) == gobreaker.StateOpen {
				anyOpen = true
			}
		}
	}

	switch {
	case !health.StoreReachable && !health.CorpusAccessible:
		health.Status = StatusUnhealthy
	case !health.StoreReachable, anyOpen:
		health.Status = StatusDegraded
	}

	return health
}
