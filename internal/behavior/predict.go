package behavior

import (
	"context"
	"time"
)

// PredictBestTime returns the best delivery time for category within the next
// withinHours hours.
//
// Until the model is ready (or when no reachable hour has any engagement) the
// category's default hour is used, projected onto today or tomorrow. It never
// fails.
func (a *Analyzer) PredictBestTime(ctx context.Context, category string, withinHours int) time.Time {
	now := a.now()
	m, p := a.snapshot(ctx, category)
	if withinHours <= 0 {
		withinHours = 24
	}
	if m.IsReady(a.cfg.MinSamples) {
		if offset, ok := bestOffset(m, now.Hour(), min(withinHours, 24)); ok {
			return hourFromNow(now, offset)
		}
	}
	return projectHour(now, a.pick(p.DefaultHours))
}

// PredictBestHour returns the best hour of day in the inclusive range
// [startHour, endHour], wrapping past midnight when endHour < startHour.
func (a *Analyzer) PredictBestHour(ctx context.Context, category string, startHour, endHour int) int {
	startHour, endHour = normHour(startHour), normHour(endHour)
	window := hourRange(startHour, endHour)

	m, p := a.snapshot(ctx, category)
	if m.IsReady(a.cfg.MinSamples) {
		best, bestScore := -1, 0.0
		for _, h := range window {
			if s := m.EngagementScore(h); s > bestScore {
				best, bestScore = h, s
			}
		}
		if best >= 0 {
			return best
		}
	}
	def := a.pick(p.DefaultHours)
	for _, h := range window {
		if h == def {
			return def
		}
	}
	return startHour
}

// IsGoodTimeNow reports whether now is a good moment to notify for category.
//
// A ready model says yes when the current hour has been observed and scores at
// least the mean of all observed hours; otherwise the static good-hours window
// of the category profile applies.
func (a *Analyzer) IsGoodTimeNow(ctx context.Context, category string) bool {
	h := a.now().Hour()
	m, p := a.snapshot(ctx, category)
	if m.IsReady(a.cfg.MinSamples) {
		mean, ok := m.MeanObservedScore()
		return ok && m.Hours[h].Sent > 0 && m.EngagementScore(h) >= mean
	}
	if h < 8 || h >= 22 {
		return false
	}
	return p.goodAt(h)
}

// EngagementScore is the category-level score: the mean score of its optimal hours.
func (a *Analyzer) EngagementScore(ctx context.Context, category string) float64 {
	m, _ := a.snapshot(ctx, category)
	return m.CategoryScore()
}

// bestOffset scans hour offsets [0, horizon) from the current hour and returns
// the offset of the highest scoring hour. Ties keep the earliest offset.
func bestOffset(m TimingModel, currentHour, horizon int) (int, bool) {
	best, bestScore := -1, 0.0
	for k := 0; k < horizon; k++ {
		if s := m.EngagementScore((currentHour + k) % 24); s > bestScore {
			best, bestScore = k, s
		}
	}
	return best, best >= 0
}

// hourFromNow returns now for offset 0, else the top of the hour offset hours ahead.
func hourFromNow(now time.Time, offset int) time.Time {
	if offset == 0 {
		return now
	}
	return time.Date(now.Year(), now.Month(), now.Day(), now.Hour()+offset, 0, 0, 0, now.Location())
}

// projectHour returns the next occurrence of hour:00, or now if we are inside that hour.
func projectHour(now time.Time, hour int) time.Time {
	switch {
	case hour == now.Hour():
		return now
	case hour > now.Hour():
		return time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	default:
		return time.Date(now.Year(), now.Month(), now.Day()+1, hour, 0, 0, 0, now.Location())
	}
}

func hourRange(start, end int) []int {
	out := make([]int, 0, 24)
	for h := start; ; h = (h + 1) % 24 {
		out = append(out, h)
		if h == end || len(out) == 24 {
			return out
		}
	}
}

func normHour(h int) int { return ((h % 24) + 24) % 24 }
