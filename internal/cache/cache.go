// Package cache provides a bounded LRU cache with per-entry TTL.
//
// The cache is shared infrastructure: the TTS phrase cache, the knowledge
// result cache, and the prompt cache are all instances of [Cache]. Get
// refreshes recency; entries older than the TTL are treated as misses and
// evicted on access. A background janitor started with [Cache.StartJanitor]
// reclaims expired entries that are never touched again.
//
// All methods are safe for concurrent use.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of cache effectiveness counters.
type Stats struct {
	Size   int
	Hits   uint64
	Misses uint64
}

// HitRate returns hits/(hits+misses), or 0 when the cache has never been read.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// entry is the value stored in the recency list.
type entry[K comparable, V any] struct {
	key      K
	value    V
	expireAt time.Time
}

// Cache is a bounded map with LRU eviction and TTL expiry.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	items   map[K]*list.Element
	order   *list.List // front = most recently used
	hits    uint64
	misses  uint64

	// now is swappable for tests.
	now func() time.Time
}

// New creates a cache holding at most maxSize entries, each valid for ttl
// after insertion. maxSize must be ≥ 1.
func New[K comparable, V any](maxSize int, ttl time.Duration) *Cache[K, V] {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Cache[K, V]{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[K]*list.Element, maxSize),
		order:   list.New(),
		now:     time.Now,
	}
}

// Get returns the value for key. A hit refreshes the entry's recency.
// Expired entries are evicted and reported as misses.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	ent := el.Value.(*entry[K, V])
	if c.now().After(ent.expireAt) {
		c.removeElement(el)
		c.misses++
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return ent.value, true
}

// Put inserts or replaces the value for key, resetting its TTL. When the
// cache is full the least recently used entry is evicted.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expireAt := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry[K, V])
		ent.value = value
		ent.expireAt = expireAt
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.maxSize {
		if back := c.order.Back(); back != nil {
			c.removeElement(back)
		}
	}
	el := c.order.PushFront(&entry[K, V]{key: key, value: value, expireAt: expireAt})
	c.items[key] = el
}

// Delete removes key if present.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Purge removes all entries. Counters are preserved.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element, c.maxSize)
	c.order.Init()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Size: c.order.Len(), Hits: c.hits, Misses: c.misses}
}

// Cleanup removes all expired entries and returns how many were reclaimed.
func (c *Cache[K, V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*entry[K, V]).expireAt) {
			c.removeElement(el)
			removed++
		}
		el = prev
	}
	return removed
}

// StartJanitor runs [Cache.Cleanup] every interval until ctx is cancelled.
func (c *Cache[K, V]) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Cleanup()
			}
		}
	}()
}

// removeElement unlinks el from both the map and the list.
// Must be called with c.mu held.
func (c *Cache[K, V]) removeElement(el *list.Element) {
	ent := el.Value.(*entry[K, V])
	delete(c.items, ent.key)
	c.order.Remove(el)
}
