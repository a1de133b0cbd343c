package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	models []string
	err    error
	calls  int
}

func (f *fakeLister) ListModels(ctx context.Context) ([]string, error) {
	f.calls++
	return f.models, f.err
}

func TestModelCatalogCache(t *testing.T) {
	cache := NewModelCatalogCache(time.Hour)

	_, ok := cache.Get()
	assert.False(t, ok, "empty cache misses")
	assert.True(t, cache.LastUpdated().IsZero())

	cache.Set([]string{"a", "b"})
	models, ok := cache.Get()
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, models)
	assert.False(t, cache.LastUpdated().IsZero())

	// Callers get their own copy
	models[0] = "mutated"
	models, _ = cache.Get()
	assert.Equal(t, "a", models[0])

	cache.Clear()
	_, ok = cache.Get()
	assert.False(t, ok)
}

func TestModelCatalogCacheExpiry(t *testing.T) {
	cache := NewModelCatalogCache(10 * time.Millisecond)
	cache.Set([]string{"a"})

	time.Sleep(20 * time.Millisecond)

	_, ok := cache.Get()
	assert.False(t, ok)
}

func TestModelCatalogCacheLoad(t *testing.T) {
	ctx := context.Background()
	cache := NewModelCatalogCache(time.Hour)
	lister := &fakeLister{models: []string{"a"}}

	models, cached, err := cache.Load(ctx, lister, false)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, []string{"a"}, models)

	lister.models = []string{"b"}
	models, cached, err = cache.Load(ctx, lister, false)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, []string{"a"}, models)
	assert.Equal(t, 1, lister.calls)

	models, cached, err = cache.Load(ctx, lister, true)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, []string{"b"}, models)

	t.Run("fetch errors keep the previous list", func(t *testing.T) {
		lister.err = errors.New("backend down")
		_, _, err := cache.Load(ctx, lister, true)
		assert.Error(t, err)

		models, ok := cache.Get()
		require.True(t, ok)
		assert.Equal(t, []string{"b"}, models)
	})
}

func TestModelCatalogCacheConcurrentAccess(t *testing.T) {
	cache := NewModelCatalogCache(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			cache.Set([]string{"a", "b"})
		}()
		go func() {
			defer wg.Done()
			cache.Get()
			cache.LastUpdated()
		}()
	}
	wg.Wait()

	models, ok := cache.Get()
	require.True(t, ok)
	assert.Len(t, models, 2)
}
