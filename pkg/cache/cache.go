// Package cache provides a small in-memory TTL cache used for code host
// lookup results (commit-to-PR associations, PR snapshots). Instances are
// injected into their consumers so tests run with isolated cache state;
// there is no package-level cache.
package cache

import (
	"sync"
	"time"
)

// entry holds a cached value with its expiration time and insertion order.
type entry[V any] struct {
	value      V
	expiresAt  time.Time
	insertedAt time.Time
}

// Cache is a thread-safe in-memory cache with TTL and max-size eviction.
// When the cache reaches maxSize, the oldest entry (by insertion time) is
// evicted to make room for new entries. Expired entries are lazily evicted
// on Get.
type Cache[V any] struct {
	mu      sync.Mutex
	items   map[string]*entry[V]
	maxSize int
	ttl     time.Duration
}

// New creates a cache with the given maximum size and TTL.
// maxSize must be >= 1; ttl must be > 0.
func New[V any](maxSize int, ttl time.Duration) *Cache[V] {
	if maxSize < 1 {
		maxSize = 1
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Cache[V]{
		items:   make(map[string]*entry[V], maxSize),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get retrieves a cached value by key. Returns (zero, false) if the key is
// missing or expired. Expired entries are lazily deleted.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}

	if time.Now().After(e.expiresAt) {
		delete(c.items, key)
		var zero V
		return zero, false
	}

	return e.value, true
}

// Set stores a value in the cache. If the cache is at capacity, the oldest
// entry (by insertion time) is evicted before inserting.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	// If key already exists, update it in place.
	if _, ok := c.items[key]; ok {
		c.items[key] = &entry[V]{value: value, expiresAt: now.Add(c.ttl), insertedAt: now}
		return
	}

	if len(c.items) >= c.maxSize {
		c.evictOldest()
	}

	c.items[key] = &entry[V]{value: value, expiresAt: now.Add(c.ttl), insertedAt: now}
}

// Invalidate removes a specific key from the cache.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// InvalidateAll removes all entries from the cache.
func (c *Cache[V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*entry[V], c.maxSize)
}

// Size returns the number of entries currently in the cache (including
// potentially expired ones that haven't been lazily cleaned).
func (c *Cache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// evictOldest removes the entry with the oldest insertedAt timestamp.
// Must be called with c.mu held.
func (c *Cache[V]) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for k, e := range c.items {
		if first || e.insertedAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.insertedAt
			first = false
		}
	}

	if !first {
		delete(c.items, oldestKey)
	}
}
