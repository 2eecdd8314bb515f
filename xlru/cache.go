// Package xlru implements the capacity- and age-bounded key->value map used
// by the deduplicator and the outbox tracker. It wraps
// hashicorp/golang-lru/v2/expirable, which already supplies the LRU eviction
// and a single default TTL, and adds a per-key TTL override plus the
// explicit cleanup_expired() sweep the spec requires.
package xlru

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/atomic"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time // zero means "no per-key override, defer to defaultTTL"
}

// Cache is a capacity- and optionally TTL-bounded map, safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu         sync.Mutex
	backing    *lru.LRU[K, entry[V]]
	defaultTTL time.Duration
	evictions  atomic.Uint64
}

// New builds a Cache with the given capacity and default TTL. A zero
// defaultTTL means entries never expire unless set() is given an explicit
// per-key ttl. Every capacity- or TTL-driven eviction the backing store
// performs on its own is counted via its onEvict callback, surfaced through
// EvictionCount.
func New[K comparable, V any](capacity int, defaultTTL time.Duration) *Cache[K, V] {
	c := &Cache[K, V]{defaultTTL: defaultTTL}
	c.backing = lru.NewLRU[K, entry[V]](capacity, func(K, entry[V]) { c.evictions.Inc() }, defaultTTL)
	return c
}

// EvictionCount reports how many entries the backing store has evicted
// (capacity pressure or default-TTL expiry), cumulative since New.
func (c *Cache[K, V]) EvictionCount() uint64 {
	return c.evictions.Load()
}

// Get returns (value, true) iff k is present and has not exceeded its TTL.
// An expired entry is removed opportunistically and reported absent.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.backing.Get(k)
	var zero V
	if !ok {
		return zero, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.backing.Remove(k)
		return zero, false
	}
	return e.value, true
}

// Set inserts or promotes k->v. ttl, if non-zero, overrides the cache's
// default TTL for this key only. When at capacity, the least-recently-used
// live entry is evicted by the backing store.
func (c *Cache[K, V]) Set(k K, v V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := entry[V]{value: v}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	c.backing.Add(k, e)
}

// SetDefault inserts or promotes k->v using the cache's default TTL.
func (c *Cache[K, V]) SetDefault(k K, v V) {
	c.Set(k, v, 0)
}

// Clear drops all entries.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backing.Purge()
}

// Len reports the number of live (not necessarily unexpired) entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backing.Len()
}

// CleanupExpired removes every entry whose per-key TTL override has elapsed.
// The backing store's own default-TTL sweep runs independently on its own
// goroutine; this covers the per-key override path that store doesn't know
// about.
func (c *Cache[K, V]) CleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, k := range c.backing.Keys() {
		e, ok := c.backing.Peek(k)
		if ok && !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			c.backing.Remove(k)
		}
	}
}

// GetOrSet atomically checks for k and, if absent (or expired), inserts v
// with the given ttl (0 for the cache's default). It returns the value that
// ends up live under k and whether k was already present beforehand — this
// is the linearization point relied on by the deduplicator's Process, where
// two concurrent callers for the same key must not both observe "absent".
func (c *Cache[K, V]) GetOrSet(k K, v V, ttl time.Duration) (existing V, alreadyPresent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.backing.Get(k)
	if ok && (e.expiresAt.IsZero() || time.Now().Before(e.expiresAt)) {
		return e.value, true
	}

	ne := entry[V]{value: v}
	if ttl > 0 {
		ne.expiresAt = time.Now().Add(ttl)
	}
	c.backing.Add(k, ne)
	return v, false
}

// Contains reports presence without promoting recency or checking the
// per-key TTL override (mirrors the backing store's Contains semantics).
func (c *Cache[K, V]) Contains(k K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backing.Contains(k)
}
