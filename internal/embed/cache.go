package embed

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"
)

// Cached memoizes an Embedder by exact text. Every entry costs 1, so the
// cache bounds the number of vectors, not their size.
type Cached struct {
	next  Embedder
	cache *ristretto.Cache
	group singleflight.Group
}

// NewCached wraps next with a cache holding about maxVectors embeddings.
func NewCached(next Embedder, maxVectors int64) (*Cached, error) {
	if maxVectors <= 0 {
		maxVectors = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxVectors * 10,
		MaxCost:     maxVectors,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embed cache: %w", err)
	}
	return &Cached{next: next, cache: cache}, nil
}

// Embed returns a cached vector or computes and stores one. Concurrent
// misses for the same text share one upstream call. Callers must not
// mutate the returned slice.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}
	v, err, _ := c.group.Do(text, func() (interface{}, error) {
		vec, err := c.next.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		c.cache.Set(text, vec, 1)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// Wait blocks until pending cache writes are visible.
func (c *Cached) Wait() { c.cache.Wait() }

// Close releases the cache.
func (c *Cached) Close() { c.cache.Close() }
