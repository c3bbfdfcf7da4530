package schedule

import (
	"context"
	"sort"
	"time"
)

// BatchResult reports one request of a batch. Index is its position in the
// input slice; results are in submission order.
type BatchResult struct {
	Index int
	Item  Item
	Err   error
}

// ScheduleBatch submits reqs highest priority first (stable on ties). The n-th
// submission is anchored n*BatchSpacing after its resolved time, before quiet
// hours are applied. Hand-offs are paced by a short limiter wait, never by the
// spacing itself.
//
// A rejected item does not stop the batch. Cancelling ctx stops further
// submissions; the returned error is then the context error and the remaining results
// carry it too.
func (s *Scheduler) ScheduleBatch(ctx context.Context, reqs []Request) ([]BatchResult, error) {
	order := make([]int, len(reqs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return reqs[order[a]].Priority.Weight() > reqs[order[b]].Priority.Weight()
	})

	p := s.currentPolicy()
	s.mu.Lock()
	limiter := s.limiter
	s.mu.Unlock()

	results := make([]BatchResult, 0, len(reqs))
	for n, idx := range order {
		if n > 0 {
			if err := limiter.Wait(ctx); err != nil {
				return abortBatch(results, order[n:], err), err
			}
		}
		if err := ctx.Err(); err != nil {
			return abortBatch(results, order[n:], err), err
		}

		req, err := s.normalize(reqs[idx])
		if err != nil {
			results = append(results, BatchResult{Index: idx, Err: err})
			continue
		}
		now := s.clk.Now().In(p.Location)
		st := StrategyFor(req.Priority, now)
		at := s.resolve(ctx, st, req.Category, now).Add(time.Duration(n) * p.BatchSpacing).In(p.Location)
		if !req.SkipQuietHours {
			at = p.Quiet.Adjust(at)
		}
		it, err := s.submit(ctx, p, req, st, at, now)
		results = append(results, BatchResult{Index: idx, Item: it, Err: err})
	}
	return results, nil
}

func abortBatch(results []BatchResult, rest []int, err error) []BatchResult {
	for _, idx := range rest {
		results = append(results, BatchResult{Index: idx, Err: err})
	}
	return results
}
