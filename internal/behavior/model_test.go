package behavior

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTotalSentMatchesHourlySum(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	m := NewTimingModel("habit_reminder", time.Now())

	for i := 0; i < 500; i++ {
		h := rng.Intn(24)
		switch rng.Intn(4) {
		case 0:
			m.recordSent(h)
		case 1:
			m.recordOpened(h)
		case 2:
			m.recordDismissed(h)
		case 3:
			m.recordAction(h)
		}
		sum := 0
		for _, hs := range m.Hours {
			sum += hs.Sent
		}
		require.Equal(t, m.TotalSent, sum, "step %d", i)
	}
}

func TestReadinessThreshold(t *testing.T) {
	t.Parallel()
	m := NewTimingModel("goal_reminder", time.Now())
	for i := 0; i < DefaultMinSamples-1; i++ {
		m.recordSent(9)
	}
	require.False(t, m.IsReady(DefaultMinSamples))
	m.recordSent(9)
	require.True(t, m.IsReady(DefaultMinSamples))
}

func TestConfidence(t *testing.T) {
	t.Parallel()
	m := NewTimingModel("goal_reminder", time.Now())
	require.Zero(t, m.Confidence(DefaultConfidenceTarget))
	for i := 0; i < 15; i++ {
		m.recordSent(10)
	}
	require.InDelta(t, 0.5, m.Confidence(DefaultConfidenceTarget), 1e-9)
	for i := 0; i < 30; i++ {
		m.recordSent(10)
	}
	require.Equal(t, 1.0, m.Confidence(DefaultConfidenceTarget))
}

func TestEngagementScoreWeights(t *testing.T) {
	t.Parallel()
	m := NewTimingModel("contact_reminder", time.Now())
	m.Hours[10] = HourStats{Sent: 10, Opened: 5, Actioned: 2}
	require.InDelta(t, 0.5*0.7+0.2*0.3, m.EngagementScore(10), 1e-9)
	require.Zero(t, m.EngagementScore(11))
	require.Zero(t, m.EngagementScore(24))

	// Opens attributed to a bucket with fewer sends are clamped.
	m.Hours[12] = HourStats{Sent: 1, Opened: 3}
	require.InDelta(t, 0.7, m.EngagementScore(12), 1e-9)
}

func TestOptimalHoursTopThreeEarliestOnTie(t *testing.T) {
	t.Parallel()
	m := NewTimingModel("contact_reminder", time.Now())
	m.Hours[20] = HourStats{Sent: 10, Opened: 6}
	m.Hours[9] = HourStats{Sent: 10, Opened: 8}
	m.Hours[14] = HourStats{Sent: 10, Opened: 3}
	m.Hours[7] = HourStats{Sent: 10, Opened: 6}

	require.Equal(t, []int{9, 7, 20}, m.OptimalHours())
	require.InDelta(t, (0.56+0.42+0.42)/3, m.CategoryScore(), 1e-9)

	mean, ok := m.MeanObservedScore()
	require.True(t, ok)
	require.InDelta(t, (0.56+0.42+0.42+0.21)/4, mean, 1e-9)
}

func TestOptimalHoursIgnoresUnobserved(t *testing.T) {
	t.Parallel()
	m := NewTimingModel("motivation", time.Now())
	require.Empty(t, m.OptimalHours())
	require.Zero(t, m.CategoryScore())
	_, ok := m.MeanObservedScore()
	require.False(t, ok)
}
