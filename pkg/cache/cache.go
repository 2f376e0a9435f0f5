// Package cache provides a generic, thread-safe, append-only cache with metrics.
//
// Entries are never evicted or replaced: the first value stored under a key is
// the value every later reader sees.
package cache

import (
	"sync"
	"sync/atomic"
)

// Cache is a generic thread-safe cache without eviction.
type Cache[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V

	// Metrics (lock-free using atomics)
	hits   atomic.Uint64
	misses atomic.Uint64
	sets   atomic.Uint64
	kept   atomic.Uint64
}

// New creates an empty Cache.
func New[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{items: make(map[K]V)}
}

// Get retrieves a value from the cache.
// Returns the value and true if found, zero value and false otherwise.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	v, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return v, false
	}
	c.hits.Add(1)
	return v, true
}

// Add stores value under key unless the key is already present.
// It returns the value held by the cache afterwards and whether value was stored.
func (c *Cache[K, V]) Add(key K, value V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.items[key]; ok {
		c.kept.Add(1)
		return existing, false
	}
	c.items[key] = value
	c.sets.Add(1)
	return value, true
}

// Len returns the current number of items in the cache.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats holds cache statistics.
type Stats struct {
	Size    int
	Hits    uint64
	Misses  uint64
	Sets    uint64
	Kept    uint64 // Add calls that found the key already present
	HitRate float64
}

// Stats returns cache statistics.
func (c *Cache[K, V]) Stats() Stats {
	size := c.Len()
	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return Stats{
		Size:    size,
		Hits:    hits,
		Misses:  misses,
		Sets:    c.sets.Load(),
		Kept:    c.kept.Load(),
		HitRate: hitRate,
	}
}
