package behavior

import (
	"sort"
	"time"
)

const (
	// DefaultMinSamples is the number of sent notifications after which a
	// model's hourly statistics are trusted over the static defaults.
	DefaultMinSamples = 10
	// DefaultConfidenceTarget is the sample count at which confidence reaches 1.
	DefaultConfidenceTarget = 30

	openWeight   = 0.7
	actionWeight = 0.3

	optimalHourCount = 3
)

// HourStats are lifetime counters for one hour-of-day bucket.
type HourStats struct {
	Sent      int `json:"sent"`
	Opened    int `json:"opened"`
	Dismissed int `json:"dismissed"`
	Actioned  int `json:"actioned"`
}

// TimingModel is the learned state of one category.
//
// Counters only grow; TotalSent always equals the sum of Hours[*].Sent.
type TimingModel struct {
	Category       string        `json:"category"`
	Hours          [24]HourStats `json:"hours"`
	TotalSent      int           `json:"total_sent"`
	TotalOpened    int           `json:"total_opened"`
	TotalDismissed int           `json:"total_dismissed"`
	LastUpdated    time.Time     `json:"last_updated"`
}

func NewTimingModel(category string, now time.Time) TimingModel {
	return TimingModel{Category: category, LastUpdated: now}
}

func (m TimingModel) OpenRate(hour int) float64 {
	if !validHour(hour) {
		return 0
	}
	h := m.Hours[hour]
	return ratio(h.Opened, h.Sent)
}

func (m TimingModel) ActionRate(hour int) float64 {
	if !validHour(hour) {
		return 0
	}
	h := m.Hours[hour]
	return ratio(h.Actioned, h.Sent)
}

// EngagementScore is openRate*0.7 + actionRate*0.3 for one hour, in [0,1].
func (m TimingModel) EngagementScore(hour int) float64 {
	return m.OpenRate(hour)*openWeight + m.ActionRate(hour)*actionWeight
}

func (m TimingModel) IsReady(minSamples int) bool {
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	return m.TotalSent >= minSamples
}

func (m TimingModel) Confidence(target int) float64 {
	if target <= 0 {
		target = DefaultConfidenceTarget
	}
	return min(1.0, float64(m.TotalSent)/float64(target))
}

// OptimalHours returns up to three observed hours ordered by score, best first.
// Equal scores keep the earlier hour first.
func (m TimingModel) OptimalHours() []int {
	hours := m.observedHours()
	sort.SliceStable(hours, func(i, j int) bool {
		return m.EngagementScore(hours[i]) > m.EngagementScore(hours[j])
	})
	if len(hours) > optimalHourCount {
		hours = hours[:optimalHourCount]
	}
	return hours
}

// CategoryScore is the mean score of the optimal hours (0 when nothing was observed).
func (m TimingModel) CategoryScore() float64 {
	hours := m.OptimalHours()
	if len(hours) == 0 {
		return 0
	}
	var sum float64
	for _, h := range hours {
		sum += m.EngagementScore(h)
	}
	return sum / float64(len(hours))
}

// MeanObservedScore averages the score over every hour with at least one send.
func (m TimingModel) MeanObservedScore() (float64, bool) {
	hours := m.observedHours()
	if len(hours) == 0 {
		return 0, false
	}
	var sum float64
	for _, h := range hours {
		sum += m.EngagementScore(h)
	}
	return sum / float64(len(hours)), true
}

func (m TimingModel) OverallOpenRate() float64 {
	return ratio(m.TotalOpened, m.TotalSent)
}

func (m TimingModel) observedHours() []int {
	out := make([]int, 0, 24)
	for h := range m.Hours {
		if m.Hours[h].Sent > 0 {
			out = append(out, h)
		}
	}
	return out
}

func (m *TimingModel) recordSent(hour int) {
	m.Hours[hour].Sent++
	m.TotalSent++
}

func (m *TimingModel) recordOpened(hour int) {
	m.Hours[hour].Opened++
	m.TotalOpened++
}

func (m *TimingModel) recordDismissed(hour int) {
	m.Hours[hour].Dismissed++
	m.TotalDismissed++
}

func (m *TimingModel) recordAction(hour int) {
	m.Hours[hour].Actioned++
}

func validHour(h int) bool { return h >= 0 && h < 24 }

func ratio(n, d int) float64 {
	if d <= 0 || n <= 0 {
		return 0
	}
	return min(1.0, float64(n)/float64(d))
}
