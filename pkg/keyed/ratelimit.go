package keyed

import (
	"fmt"
	"sync"
	"time"

	"cadence/pkg/clock"
)

// RateLimitedError is returned by Acquire when the key is still cooling down.
type RateLimitedError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s (retry after %s)", e.Key, e.RetryAfter.Round(time.Millisecond))
}

// RateLimiter allows at most one success per key per minimum interval.
//
// lastAllowedAt only moves on an allowed call, so a burst of denied calls
// never extends the cooldown.
type RateLimiter struct {
	mu   sync.Mutex
	clk  clock.Clock
	last map[string]time.Time
}

func NewRateLimiter(clk clock.Clock) *RateLimiter {
	return &RateLimiter{clk: clock.OrSystem(clk), last: map[string]time.Time{}}
}

func (r *RateLimiter) TryAcquire(key string, minInterval time.Duration) bool {
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	last, ok := r.last[key]
	if ok && now.Sub(last) < minInterval {
		return false
	}
	r.last[key] = now
	return true
}

// Acquire is TryAcquire with a typed denial carrying the remaining cooldown.
func (r *RateLimiter) Acquire(key string, minInterval time.Duration) error {
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if last, ok := r.last[key]; ok {
		if wait := minInterval - now.Sub(last); wait > 0 {
			return &RateLimitedError{Key: key, RetryAfter: wait}
		}
	}
	r.last[key] = now
	return nil
}

// TimeUntilNextAllowed reports the remaining cooldown (0 when a call would be allowed).
func (r *RateLimiter) TimeUntilNextAllowed(key string, minInterval time.Duration) time.Duration {
	now := r.clk.Now()
	r.mu.Lock()
	last, ok := r.last[key]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	if wait := minInterval - now.Sub(last); wait > 0 {
		return wait
	}
	return 0
}

// LastAllowed returns the timestamp of the last allowed call for key.
func (r *RateLimiter) LastAllowed(key string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.last[key]
	return t, ok
}

func (r *RateLimiter) Forget(key string) {
	r.mu.Lock()
	delete(r.last, key)
	r.mu.Unlock()
}

// Prune drops keys whose last success is older than maxAge.
func (r *RateLimiter) Prune(maxAge time.Duration) int {
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, t := range r.last {
		if now.Sub(t) >= maxAge {
			delete(r.last, k)
			n++
		}
	}
	return n
}
