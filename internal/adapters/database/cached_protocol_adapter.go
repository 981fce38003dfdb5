package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/emsassist/protocolguide/internal/domain/entities"
	"github.com/emsassist/protocolguide/internal/domain/providers"
	"github.com/emsassist/protocolguide/internal/domain/repositories"
	"github.com/rs/zerolog/log"
)

// CachedProtocolAdapter wraps a ProtocolRepository with read-through caching.
// Only GetByCode is cached; ingestion paths write through and invalidate.
type CachedProtocolAdapter struct {
	adapter repositories.ProtocolRepository
	cache   providers.CacheProvider
}

// NewCachedProtocolAdapter creates a new cached protocol adapter
func NewCachedProtocolAdapter(adapter repositories.ProtocolRepository, cache providers.CacheProvider) repositories.ProtocolRepository {
	return &CachedProtocolAdapter{
		adapter: adapter,
		cache:   cache,
	}
}

// Cache TTL (in seconds). Protocols change rarely; version supersedes
// invalidate explicitly.
const protocolByCodeTTL = 600

// ProtocolCacheKey returns the cache key for a protocol code. Exported so
// the cache invalidation service builds the same keys.
func ProtocolCacheKey(code string) string {
	return fmt.Sprintf("protocol:%s", code)
}

// GetByCode retrieves the current protocol version with caching
func (a *CachedProtocolAdapter) GetByCode(ctx context.Context, code string) (*entities.Protocol, error) {
	cacheKey := ProtocolCacheKey(code)

	if cached, err := a.cache.Get(ctx, cacheKey); err == nil {
		var protocol entities.Protocol
		if err := json.Unmarshal(cached, &protocol); err == nil {
			return &protocol, nil
		}
		log.Warn().Str("code", code).Msg("failed to unmarshal cached protocol")
	}

	protocol, err := a.adapter.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	// Update cache asynchronously to avoid blocking the response
	go func() {
		bgCtx := context.Background()
		if data, err := json.Marshal(protocol); err == nil {
			if err := a.cache.Set(bgCtx, cacheKey, data, protocolByCodeTTL); err != nil {
				log.Warn().Err(err).Str("code", code).Msg("failed to cache protocol")
			}
		}
	}()

	return protocol, nil
}

// ListCurrentCodes passes through; the list is cheap and used for validation
func (a *CachedProtocolAdapter) ListCurrentCodes(ctx context.Context) ([]string, error) {
	return a.adapter.ListCurrentCodes(ctx)
}

// Create passes through and invalidates the code entry
func (a *CachedProtocolAdapter) Create(ctx context.Context, protocol *entities.Protocol) error {
	if err := a.adapter.Create(ctx, protocol); err != nil {
		return err
	}
	a.invalidate(ctx, protocol.Code)
	return nil
}

// Supersede passes through and invalidates the code entry
func (a *CachedProtocolAdapter) Supersede(ctx context.Context, code string, replacement *entities.Protocol) error {
	if err := a.adapter.Supersede(ctx, code, replacement); err != nil {
		return err
	}
	a.invalidate(ctx, code)
	return nil
}

// IncrementUsage passes through; usage counts tolerate cache staleness
func (a *CachedProtocolAdapter) IncrementUsage(ctx context.Context, code string) error {
	return a.adapter.IncrementUsage(ctx, code)
}

// GetChunksNeedingEmbedding passes through
func (a *CachedProtocolAdapter) GetChunksNeedingEmbedding(ctx context.Context, limit int) ([]*entities.ProtocolChunk, error) {
	return a.adapter.GetChunksNeedingEmbedding(ctx, limit)
}

// UpsertEmbedding passes through and invalidates the protocol entry so the
// next read sees the fresh vector
func (a *CachedProtocolAdapter) UpsertEmbedding(ctx context.Context, chunkID string, vector []float32, contentHash string) error {
	return a.adapter.UpsertEmbedding(ctx, chunkID, vector, contentHash)
}

func (a *CachedProtocolAdapter) invalidate(ctx context.Context, code string) {
	if err := a.cache.Delete(ctx, ProtocolCacheKey(code)); err != nil {
		log.Warn().Err(err).Str("code", code).Msg("failed to invalidate protocol cache")
	}
}
