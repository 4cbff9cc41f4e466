// Package cache implements a generic, bounded, TTL-aware LRU cache.
//
// Ordering and eviction are delegated to hashicorp/golang-lru; TTL
// accounting and hot-key tracking are layered on top under the same lock,
// since the underlying library has no notion of either.
package cache

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrInvalidArguments is returned by batch operations when the input slices
// don't line up.
var ErrInvalidArguments = errors.New("cache: invalid arguments")

// NoTTL is the zero TTL. As a cache's DefaultTTL it means entries never
// expire; passed to Put it selects the cache's default TTL.
const NoTTL time.Duration = 0

// entry carries the bookkeeping a *lru.Cache entry doesn't.
type entry struct {
	expiresAt time.Time // zero = never
	hits      int
}

// Cache is a generic capacity-bounded, TTL-aware LRU cache.
type Cache[K comparable, V any] struct {
	mu         sync.Mutex
	lru        *lru.Cache[K, V]
	meta       map[K]*entry
	hot        map[K]struct{}
	capacity   int
	hotThresh  int
	defaultTTL time.Duration // 0 with noExpiry=true means "no default TTL"
	noExpiry   bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config configures a new Cache.
type Config struct {
	Capacity int // capacity <= 0 is treated as 0 (cache always empty)

	// HotThreshold is the access count at which a key is recorded in the
	// hot-keys set. 0 disables hot-key tracking.
	HotThreshold int

	// DefaultTTL is used by Put when ttl==0 is passed. NoExpiry overrides
	// DefaultTTL and means puts never expire unless an explicit TTL is given.
	DefaultTTL time.Duration
	NoExpiry   bool
}

// New creates a Cache per cfg. Capacity 0 (or negative) yields a cache that
// is always empty: Put becomes a no-op with respect to later retrieval.
func New[K comparable, V any](cfg Config) *Cache[K, V] {
	capacity := cfg.Capacity
	if capacity < 0 {
		capacity = 0
	}

	// lru.New panics on size <= 0; use size 1 and immediately evict
	// ourselves so the zero-capacity contract (spec.md §4.1 Failure) holds.
	backingSize := capacity
	if backingSize < 1 {
		backingSize = 1
	}
	backing, _ := lru.New[K, V](backingSize)

	return &Cache[K, V]{
		lru:        backing,
		meta:       make(map[K]*entry),
		hot:        make(map[K]struct{}),
		capacity:   capacity,
		hotThresh:  cfg.HotThreshold,
		defaultTTL: cfg.DefaultTTL,
		noExpiry:   cfg.NoExpiry,
	}
}

func (c *Cache[K, V]) expired(k K, e *entry, now time.Time) bool {
	return e != nil && !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// dropLocked removes k from both the backing LRU and our bookkeeping. Caller
// holds c.mu.
func (c *Cache[K, V]) dropLocked(k K) {
	c.lru.Remove(k)
	delete(c.meta, k)
	delete(c.hot, k)
}

// Get returns the value for k if present and unexpired. Expired entries are
// removed synchronously. A hit moves k to most-recently-used and increments
// its access counter; crossing HotThreshold records it as hot.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(k, time.Now())
}

func (c *Cache[K, V]) getLocked(k K, now time.Time) (V, bool) {
	v, ok := c.lru.Get(k)
	if !ok {
		var zero V
		return zero, false
	}
	m := c.meta[k]
	if c.expired(k, m, now) {
		c.dropLocked(k)
		var zero V
		return zero, false
	}
	if m != nil {
		m.hits++
		if c.hotThresh > 0 && m.hits >= c.hotThresh {
			c.hot[k] = struct{}{}
		}
	}
	return v, true
}

// Put inserts or overwrites k. ttl==0 uses the cache's default TTL
// (NoExpiry means no expiry at all unless ttl is explicitly non-zero).
// Capacity 0 makes this a silent no-op relative to later retrieval.
func (c *Cache[K, V]) Put(k K, v V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(k, v, ttl, time.Now())
}

func (c *Cache[K, V]) putLocked(k K, v V, ttl time.Duration, now time.Time) {
	if c.capacity == 0 {
		return
	}
	c.lru.Add(k, v)
	c.meta[k] = &entry{expiresAt: c.expiryFor(ttl, now)}
	delete(c.hot, k)

	// lru.Add may have evicted an older key already (backingSize tracks
	// capacity 1:1 except in the capacity==0 path handled above); keep our
	// bookkeeping in sync with whatever the backing cache actually holds.
	c.reconcileLocked()
}

// reconcileLocked drops bookkeeping for any key the backing LRU no longer
// holds, after an eviction triggered by the library itself.
func (c *Cache[K, V]) reconcileLocked() {
	if len(c.meta) <= c.lru.Len() {
		return
	}
	for k := range c.meta {
		if !c.lru.Contains(k) {
			delete(c.meta, k)
			delete(c.hot, k)
		}
	}
}

func (c *Cache[K, V]) expiryFor(ttl time.Duration, now time.Time) time.Time {
	if ttl == 0 {
		if c.noExpiry {
			return time.Time{}
		}
		ttl = c.defaultTTL
	}
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// Remove drops k. Idempotent.
func (c *Cache[K, V]) Remove(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(k)
}

// Clear empties the cache.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.meta = make(map[K]*entry)
	c.hot = make(map[K]struct{})
}

// Size returns the number of entries held, including expired entries that
// have not been removed yet. It does not proactively evict expired entries.
func (c *Cache[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Contains reports presence regardless of expiry, without affecting
// recency.
func (c *Cache[K, V]) Contains(k K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(k)
}

// HasKey reports presence and non-expiry, without affecting recency.
func (c *Cache[K, V]) HasKey(k K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lru.Contains(k) {
		return false
	}
	return !c.expired(k, c.meta[k], time.Now())
}

// GetExpiry returns the remaining TTL for k, or (0, false) if k is absent,
// expired, or has no expiry set.
func (c *Cache[K, V]) GetExpiry(k K) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.meta[k]
	if !ok || !c.lru.Contains(k) {
		return 0, false
	}
	now := time.Now()
	if c.expired(k, m, now) {
		return 0, false
	}
	if m.expiresAt.IsZero() {
		return 0, false
	}
	return m.expiresAt.Sub(now), true
}

// CleanupExpired scans and drops everything past its expiry. Returns the
// number of entries removed.
func (c *Cache[K, V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	var dead []K
	for k, m := range c.meta {
		if c.expired(k, m, now) {
			dead = append(dead, k)
		}
	}
	for _, k := range dead {
		c.dropLocked(k)
	}
	return len(dead)
}

// HotKeys returns a snapshot of keys that have crossed HotThreshold.
func (c *Cache[K, V]) HotKeys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]K, 0, len(c.hot))
	for k := range c.hot {
		out = append(out, k)
	}
	return out
}

// BatchGet applies Get for each key in order, returning a parallel slice of
// (value, ok) pairs.
func (c *Cache[K, V]) BatchGet(keys []K) ([]V, []bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	values := make([]V, len(keys))
	oks := make([]bool, len(keys))
	for i, k := range keys {
		values[i], oks[i] = c.getLocked(k, now)
	}
	return values, oks
}

// BatchPut inserts every (keys[i], values[i]) pair with the same ttl.
// Mismatched slice lengths return ErrInvalidArguments and leave the cache
// unchanged.
func (c *Cache[K, V]) BatchPut(keys []K, values []V, ttl time.Duration) error {
	if len(keys) != len(values) {
		return ErrInvalidArguments
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for i, k := range keys {
		c.putLocked(k, values[i], ttl, now)
	}
	return nil
}

// BatchRemove drops every key in keys. Idempotent per key.
func (c *Cache[K, V]) BatchRemove(keys []K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.dropLocked(k)
	}
}

// StartReaper launches a background goroutine that calls CleanupExpired on
// interval until StopReaper is called. Calling StartReaper twice without an
// intervening StopReaper is a no-op on the second call.
func (c *Cache[K, V]) StartReaper(interval time.Duration) {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	stop, done := c.stopCh, c.doneCh
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.CleanupExpired()
			}
		}
	}()
}

// StopReaper signals the reaper to stop and blocks until it has exited.
// Safe to call when no reaper is running.
func (c *Cache[K, V]) StopReaper() {
	c.mu.Lock()
	stop, done := c.stopCh, c.doneCh
	c.stopCh, c.doneCh = nil, nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
