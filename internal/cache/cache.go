// Package cache provides a small time-boxed key/value cache shared by the
// chain manager and the balance manager.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache holds values for a fixed TTL. Expired entries read as misses.
type Cache[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

// New creates a cache whose entries live for ttl. size bounds the number of
// entries; zero means unbounded.
func New[K comparable, V any](ttl time.Duration, size int) *Cache[K, V] {
	return &Cache[K, V]{lru: expirable.NewLRU[K, V](size, nil, ttl)}
}

func (c *Cache[K, V]) Get(key K) (V, bool) { return c.lru.Get(key) }

func (c *Cache[K, V]) Set(key K, value V) { c.lru.Add(key, value) }

// GetOrLoad returns the cached value for key, or calls load and caches its
// result on a miss. Load errors are returned and nothing is cached.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	c.lru.Add(key, v)
	return v, nil
}
