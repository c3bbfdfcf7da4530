package behavior

import (
	"context"
	"sort"
	"time"
)

// ModelStatus summarizes one category's model.
type ModelStatus struct {
	Category        string    `json:"category"`
	Ready           bool      `json:"ready"`
	Confidence      float64   `json:"confidence"`
	TotalSent       int       `json:"total_sent"`
	TotalOpened     int       `json:"total_opened"`
	TotalDismissed  int       `json:"total_dismissed"`
	OpenRate        float64   `json:"open_rate"`
	EngagementScore float64   `json:"engagement_score"`
	OptimalHours    []int     `json:"optimal_hours"`
	LastUpdated     time.Time `json:"last_updated"`
}

// Overall aggregates every known model.
type Overall struct {
	TotalSent         int     `json:"total_sent"`
	TotalOpened       int     `json:"total_opened"`
	OpenRate          float64 `json:"open_rate"`
	AverageEngagement float64 `json:"average_engagement"`
	ReadyModels       int     `json:"ready_models"`
	TotalModels       int     `json:"total_models"`
}

func (a *Analyzer) statusOf(m TimingModel) ModelStatus {
	return ModelStatus{
		Category:        m.Category,
		Ready:           m.IsReady(a.cfg.MinSamples),
		Confidence:      m.Confidence(a.cfg.ConfidenceTarget),
		TotalSent:       m.TotalSent,
		TotalOpened:     m.TotalOpened,
		TotalDismissed:  m.TotalDismissed,
		OpenRate:        m.OverallOpenRate(),
		EngagementScore: m.CategoryScore(),
		OptimalHours:    m.OptimalHours(),
		LastUpdated:     m.LastUpdated,
	}
}

func (a *Analyzer) Status(ctx context.Context, category string) (ModelStatus, error) {
	m, err := a.Model(ctx, category)
	if err != nil {
		return ModelStatus{}, err
	}
	return a.statusOf(m), nil
}

// Report returns the status of every model known to this process, sorted by category.
func (a *Analyzer) Report(ctx context.Context) []ModelStatus {
	cats := a.categories()
	sort.Strings(cats)
	out := make([]ModelStatus, 0, len(cats))
	for _, c := range cats {
		out = append(out, a.statusOf(*a.load(ctx, c).snap.Load()))
	}
	return out
}

func (a *Analyzer) Overall(ctx context.Context) Overall {
	var o Overall
	var engagement float64
	for _, st := range a.Report(ctx) {
		o.TotalModels++
		o.TotalSent += st.TotalSent
		o.TotalOpened += st.TotalOpened
		engagement += st.EngagementScore
		if st.Ready {
			o.ReadyModels++
		}
	}
	o.OpenRate = ratio(o.TotalOpened, o.TotalSent)
	if o.TotalModels > 0 {
		o.AverageEngagement = engagement / float64(o.TotalModels)
	}
	return o
}
