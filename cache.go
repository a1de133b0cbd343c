package main

import (
	"context"
	"sync"
	"time"
)

// ModelLister lists the model ids a backend offers.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// ModelCatalogCache provides thread-safe caching for the backend model list
type ModelCatalogCache struct {
	mu          sync.RWMutex
	models      []string
	lastUpdated time.Time
	ttl         time.Duration
}

// NewModelCatalogCache creates a new catalog cache with the specified TTL
func NewModelCatalogCache(ttl time.Duration) *ModelCatalogCache {
	return &ModelCatalogCache{
		ttl: ttl,
	}
}

// Get retrieves the model ids if present and not expired
func (c *ModelCatalogCache) Get() ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.models) == 0 || time.Since(c.lastUpdated) > c.ttl {
		return nil, false
	}

	return append([]string(nil), c.models...), true
}

// Set replaces the cached model ids
func (c *ModelCatalogCache) Set(models []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.models = append([]string(nil), models...)
	c.lastUpdated = time.Now()
}

// Clear empties the cache, forcing the next Load to fetch
func (c *ModelCatalogCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.models = nil
	c.lastUpdated = time.Time{}
}

// LastUpdated returns when the cache was last filled
func (c *ModelCatalogCache) LastUpdated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lastUpdated
}

// Load returns the cached list, fetching it from lister when the cache is
// empty, expired or refresh is set. The bool reports a cache hit.
func (c *ModelCatalogCache) Load(ctx context.Context, lister ModelLister, refresh bool) ([]string, bool, error) {
	if !refresh {
		if models, ok := c.Get(); ok {
			return models, true, nil
		}
	}

	models, err := lister.ListModels(ctx)
	if err != nil {
		return nil, false, err
	}
	c.Set(models)
	return models, false, nil
}
