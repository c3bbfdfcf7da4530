package keyed

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cadence/pkg/clock"
)

func TestRateLimiterCooldown(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	rl := NewRateLimiter(clk)

	require.True(t, rl.TryAcquire("x", 2*time.Second))
	require.False(t, rl.TryAcquire("x", 2*time.Second))

	clk.Advance(2 * time.Second)
	require.True(t, rl.TryAcquire("x", 2*time.Second))
}

func TestRateLimiterDenialDoesNotShiftWindow(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	rl := NewRateLimiter(clk)

	require.True(t, rl.TryAcquire("x", 2*time.Second))
	for i := 0; i < 5; i++ {
		clk.Advance(300 * time.Millisecond)
		require.False(t, rl.TryAcquire("x", 2*time.Second))
	}
	last, ok := rl.LastAllowed("x")
	require.True(t, ok)
	require.Equal(t, start, last)
	require.Equal(t, 500*time.Millisecond, rl.TimeUntilNextAllowed("x", 2*time.Second))

	clk.Advance(500 * time.Millisecond)
	require.True(t, rl.TryAcquire("x", 2*time.Second))
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)))
	require.True(t, rl.TryAcquire("a", time.Minute))
	require.True(t, rl.TryAcquire("b", time.Minute))
	require.Zero(t, rl.TimeUntilNextAllowed("unseen", time.Minute))
}

func TestRateLimiterAcquireTypedError(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(clk)

	require.NoError(t, rl.Acquire("comprehensive_insight", 30*time.Second))
	clk.Advance(10 * time.Second)

	err := rl.Acquire("comprehensive_insight", 30*time.Second)
	var rle *RateLimitedError
	require.True(t, errors.As(err, &rle))
	require.Equal(t, 20*time.Second, rle.RetryAfter)

	rl.Forget("comprehensive_insight")
	require.NoError(t, rl.Acquire("comprehensive_insight", 30*time.Second))
}

func TestRateLimiterPrune(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(clk)
	rl.TryAcquire("old", time.Second)
	clk.Advance(time.Hour)
	rl.TryAcquire("fresh", time.Second)

	require.Equal(t, 1, rl.Prune(30*time.Minute))
	_, ok := rl.LastAllowed("old")
	require.False(t, ok)
}
