package services

import (
	"context"
	"sync"
	"time"

	"github.com/emsassist/protocolguide/internal/adapters/database"
	"github.com/emsassist/protocolguide/internal/domain/providers"
	"github.com/emsassist/protocolguide/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

// CacheInvalidationService evicts cached protocol entries when a version is
// superseded. Ingestion paths notify it over a channel instead of calling
// the caches directly, so a slow cache never blocks an ingest.
type CacheInvalidationService struct {
	caches []providers.CacheProvider
	events chan string
	wg     sync.WaitGroup
	once   sync.Once
	logger zerolog.Logger
}

// NewCacheInvalidationService creates an invalidation service over the given
// cache tiers and starts its worker
func NewCacheInvalidationService(caches ...providers.CacheProvider) *CacheInvalidationService {
	s := &CacheInvalidationService{
		caches: caches,
		events: make(chan string, 64),
		logger: observability.ComponentLogger("cache-invalidation"),
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

// NotifySuperseded queues an invalidation for a protocol code. Non-blocking:
// if the queue is full the eviction is dropped and the entry ages out by TTL.
func (s *CacheInvalidationService) NotifySuperseded(code string) {
	select {
	case s.events <- code:
	default:
		s.logger.Warn().Str("code", code).Msg("invalidation queue full, relying on TTL eviction")
	}
}

// Close drains pending invalidations and stops the worker
func (s *CacheInvalidationService) Close() {
	s.once.Do(func() { close(s.events) })
	s.wg.Wait()
}

func (s *CacheInvalidationService) worker() {
	defer s.wg.Done()

	for code := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		key := database.ProtocolCacheKey(code)
		for _, cache := range s.caches {
			if err := cache.Delete(ctx, key); err != nil {
				s.logger.Warn().Err(err).Str("code", code).Msg("failed to evict superseded protocol")
			}
		}
		cancel()
		s.logger.Debug().Str("code", code).Msg("evicted superseded protocol from caches")
	}
}
