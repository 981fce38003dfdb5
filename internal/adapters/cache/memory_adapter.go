package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/emsassist/protocolguide/internal/domain/providers"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryAdapter implements the CacheProvider interface with an in-process
// expiring LRU. It backs the recovery manager's fallback cache tier, so it
// must keep serving when Redis and the store are both down.
//
// The TTL is fixed at construction; the per-call expiration argument is
// accepted for interface compatibility but capped by the cache TTL.
type MemoryAdapter struct {
	lru *expirable.LRU[string, []byte]
}

var _ providers.CacheProvider = (*MemoryAdapter)(nil)

// NewMemoryAdapter creates a new in-memory cache adapter
func NewMemoryAdapter(size int, ttl time.Duration) *MemoryAdapter {
	if size <= 0 {
		size = 4096
	}
	return &MemoryAdapter{
		lru: expirable.NewLRU[string, []byte](size, nil, ttl),
	}
}

// Get retrieves a value from cache
func (a *MemoryAdapter) Get(_ context.Context, key string) ([]byte, error) {
	value, ok := a.lru.Get(key)
	if !ok {
		return nil, fmt.Errorf("key not found: %s", key)
	}
	return value, nil
}

// Set stores a value in cache
func (a *MemoryAdapter) Set(_ context.Context, key string, value []byte, _ int) error {
	a.lru.Add(key, value)
	return nil
}

// Delete removes a value from cache
func (a *MemoryAdapter) Delete(_ context.Context, key string) error {
	a.lru.Remove(key)
	return nil
}

// Exists checks if a key exists in cache
func (a *MemoryAdapter) Exists(_ context.Context, key string) (bool, error) {
	_, ok := a.lru.Get(key)
	return ok, nil
}

// Len returns the number of live entries, used by the health check.
func (a *MemoryAdapter) Len() int {
	return a.lru.Len()
}
