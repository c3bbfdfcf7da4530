package keyed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cadence/pkg/clock"
)

func TestCacheRespectsTTL(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	c := NewCache[string](WithCacheClock(clk))

	c.Set("k", "v", time.Second)
	got, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", got)

	clk.Advance(1500 * time.Millisecond)
	_, ok = c.Get("k")
	require.False(t, ok, "expected miss after ttl")
	require.Equal(t, 0, c.Len(), "stale entry should be evicted on read")
}

func TestCacheExpiresExactlyAtTTL(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	c := NewCache[int](WithCacheClock(clk))

	c.Set("k", 1, time.Minute)
	clk.Advance(time.Minute - time.Nanosecond)
	_, ok := c.Get("k")
	require.True(t, ok)

	clk.Advance(time.Nanosecond)
	_, ok = c.Get("k")
	require.False(t, ok)
}

func TestCacheInvalidateClearAndSweep(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	c := NewCache[int](WithCacheClock(clk))

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Hour)
	c.Set("c", 3, time.Hour)

	c.Invalidate("c")
	_, ok := c.Get("c")
	require.False(t, ok)

	clk.Advance(2 * time.Minute)
	require.Equal(t, 1, c.Sweep())
	require.Equal(t, 1, c.Len())

	c.Clear()
	require.Equal(t, 0, c.Len())
}

func TestCacheNonPositiveTTLDeletes(t *testing.T) {
	t.Parallel()
	c := NewCache[int]()
	c.Set("k", 1, time.Minute)
	c.Set("k", 2, 0)
	_, ok := c.Get("k")
	require.False(t, ok)
}

func TestCachePrunesClosestToExpiryWhenFull(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	c := NewCache[int](WithCacheClock(clk), WithMaxEntries(2))

	c.Set("short", 1, time.Minute)
	c.Set("long", 2, time.Hour)
	c.Set("new", 3, time.Hour)

	require.Equal(t, 2, c.Len())
	_, ok := c.Get("short")
	require.False(t, ok)
	_, ok = c.Get("long")
	require.True(t, ok)
	_, ok = c.Get("new")
	require.True(t, ok)

	hits, misses := c.Stats()
	require.Equal(t, uint64(2), hits)
	require.Equal(t, uint64(1), misses)
}
