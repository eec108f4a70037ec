package ristretto

import (
	"fmt"
	"time"

	ristr "github.com/dgraph-io/ristretto/v2"

	"github.com/shotmill/shotmill/cache"
)

// Cache wraps a ristretto cache specialized for string keys, generic over
// the value type.
type Cache[V any] struct {
	c *ristr.Cache[string, V]
}

var _ cache.Cache[string, any] = (*Cache[any])(nil)

func (rc *Cache[V]) Get(key string) (V, bool) {
	value, found := rc.c.Get(key)
	if !found {
		var zero V
		return zero, false
	}
	return value, true
}

func (rc *Cache[V]) Set(key string, value V, cost int64) bool {
	return rc.c.Set(key, value, cost)
}

func (rc *Cache[V]) SetWithTTL(key string, value V, cost int64, ttl time.Duration) bool {
	return rc.c.SetWithTTL(key, value, cost, ttl)
}

// Params sizes a cache instance.
type Params struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

// Small is sized for per-process lookup caches (plans, api keys): tens of
// thousands of small entries.
var Small = Params{
	NumCounters: 1e5,
	MaxCost:     1 << 24, // 16MB
	BufferItems: 64,
}

// New creates a ristretto-backed cache.
func New[V any](params Params) (cache.Cache[string, V], error) {
	c, err := ristr.NewCache[string, V](&ristr.Config[string, V]{
		NumCounters: params.NumCounters,
		MaxCost:     params.MaxCost,
		BufferItems: params.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}
	return &Cache[V]{c: c}, nil
}
