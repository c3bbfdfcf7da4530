package keyed

import (
	"sort"
	"sync"
	"time"

	"cadence/pkg/clock"
)

const defaultCacheMaxEntries = 1024

type cacheEntry[V any] struct {
	value    V
	storedAt time.Time
	ttl      time.Duration
}

func (e cacheEntry[V]) expired(now time.Time) bool {
	return now.Sub(e.storedAt) >= e.ttl
}

// Cache memoizes values per key for a caller-chosen TTL.
//
// A read at or past storedAt+ttl is a miss and evicts the entry.
type Cache[V any] struct {
	mu      sync.Mutex
	clk     clock.Clock
	entries map[string]cacheEntry[V]
	max     int

	hits   uint64
	misses uint64
}

type CacheOption func(*cacheOptions)

type cacheOptions struct {
	clk clock.Clock
	max int
}

func WithCacheClock(c clock.Clock) CacheOption { return func(o *cacheOptions) { o.clk = c } }

// WithMaxEntries caps the cache size. When full, Set drops expired entries
// first and then the entries closest to expiry.
func WithMaxEntries(n int) CacheOption { return func(o *cacheOptions) { o.max = n } }

func NewCache[V any](opts ...CacheOption) *Cache[V] {
	o := cacheOptions{max: defaultCacheMaxEntries}
	for _, fn := range opts {
		fn(&o)
	}
	if o.max <= 0 {
		o.max = defaultCacheMaxEntries
	}
	return &Cache[V]{
		clk:     clock.OrSystem(o.clk),
		entries: map[string]cacheEntry[V]{},
		max:     o.max,
	}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	ent, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if ent.expired(now) {
		delete(c.entries, key)
		c.misses++
		return zero, false
	}
	c.hits++
	return ent.value, true
}

// Set stores v under key. A non-positive ttl removes the key instead.
func (c *Cache[V]) Set(key string, v V, ttl time.Duration) {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		delete(c.entries, key)
		return
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.max {
		c.pruneLocked(now)
	}
	c.entries[key] = cacheEntry[V]{value: v, storedAt: now, ttl: ttl}
}

func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Cache[V]) Clear() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

// Sweep evicts every expired entry and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(now)
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit/miss counters since creation.
func (c *Cache[V]) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *Cache[V]) sweepLocked(now time.Time) int {
	n := 0
	for k, ent := range c.entries {
		if ent.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *Cache[V]) pruneLocked(now time.Time) {
	// 1) Drop expired entries.
	c.sweepLocked(now)
	if len(c.entries) < c.max {
		return
	}
	// 2) Still full: drop the entries closest to expiry.
	type kv struct {
		key     string
		expires time.Time
	}
	all := make([]kv, 0, len(c.entries))
	for k, ent := range c.entries {
		all = append(all, kv{key: k, expires: ent.storedAt.Add(ent.ttl)})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].expires.Before(all[j].expires) })
	for i := 0; i < len(all) && len(c.entries) >= c.max; i++ {
		delete(c.entries, all[i].key)
	}
}
