package keyed

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cadence/pkg/clock"
)

// QuotaLimits are per-key budgets. A zero field disables that window.
type QuotaLimits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

func (l QuotaLimits) Enabled() bool { return l.PerMinute > 0 || l.PerHour > 0 || l.PerDay > 0 }

// QuotaDenial describes which window refused a request.
type QuotaDenial struct {
	Window     string // "minute" | "hour" | "day"
	RetryAfter time.Duration
}

type quotaWindow struct {
	name string
	lim  *rate.Limiter
}

type quotaKey struct {
	windows  []quotaWindow
	lastSeen time.Time
}

// Quota enforces minute/hour/day budgets per key using token buckets that
// refill continuously. A request consumes one token from every window or none.
type Quota struct {
	mu     sync.Mutex
	clk    clock.Clock
	limits QuotaLimits
	keys   map[string]*quotaKey
}

func NewQuota(limits QuotaLimits, clk clock.Clock) *Quota {
	return &Quota{clk: clock.OrSystem(clk), limits: limits, keys: map[string]*quotaKey{}}
}

// Allow consumes one request for key. On denial nothing is consumed.
func (q *Quota) Allow(key string) (bool, QuotaDenial) {
	now := q.clk.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	k := q.keyLocked(key)
	k.lastSeen = now
	ws := k.windows
	reserved := make([]*rate.Reservation, 0, len(ws))
	for _, w := range ws {
		r := w.lim.ReserveN(now, 1)
		if !r.OK() {
			cancelAt(reserved, now)
			return false, QuotaDenial{Window: w.name}
		}
		if d := r.DelayFrom(now); d > 0 {
			r.CancelAt(now)
			cancelAt(reserved, now)
			return false, QuotaDenial{Window: w.name, RetryAfter: d}
		}
		reserved = append(reserved, r)
	}
	return true, QuotaDenial{}
}

// SetLimits replaces the budgets. Existing per-key state is dropped.
func (q *Quota) SetLimits(limits QuotaLimits) {
	q.mu.Lock()
	q.limits = limits
	q.keys = map[string]*quotaKey{}
	q.mu.Unlock()
}

// Prune drops keys unseen for maxAge whose every window has refilled, so
// forgetting them loses no budget. It returns how many were dropped.
func (q *Quota) Prune(maxAge time.Duration) int {
	now := q.clk.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for key, k := range q.keys {
		if now.Sub(k.lastSeen) < maxAge || !k.full(now) {
			continue
		}
		delete(q.keys, key)
		n++
	}
	return n
}

// Len reports how many keys hold state.
func (q *Quota) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}

func (k *quotaKey) full(now time.Time) bool {
	for _, w := range k.windows {
		if w.lim.TokensAt(now) < float64(w.lim.Burst()) {
			return false
		}
	}
	return true
}

func (q *Quota) keyLocked(key string) *quotaKey {
	if k, ok := q.keys[key]; ok {
		return k
	}
	var ws []quotaWindow
	add := func(name string, n int, per time.Duration) {
		if n <= 0 {
			return
		}
		ws = append(ws, quotaWindow{name: name, lim: rate.NewLimiter(rate.Every(per/time.Duration(n)), n)})
	}
	add("minute", q.limits.PerMinute, time.Minute)
	add("hour", q.limits.PerHour, time.Hour)
	add("day", q.limits.PerDay, 24*time.Hour)
	k := &quotaKey{windows: ws}
	q.keys[key] = k
	return k
}

func cancelAt(rs []*rate.Reservation, now time.Time) {
	for _, r := range rs {
		r.CancelAt(now)
	}
}
