package schedule

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		in   string
		want Priority
	}{
		{"critical", Critical}, {"HIGH", High}, {" normal ", Normal}, {"low", Low}, {"minimal", Minimal},
	} {
		got, err := ParsePriority(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got)
	}

	_, err := ParsePriority("urgent")
	require.True(t, errors.Is(err, ErrInvalidPriority))

	var p Priority
	require.Error(t, json.Unmarshal([]byte(`"soon"`), &p))
	require.NoError(t, json.Unmarshal([]byte(`"high"`), &p))
	require.Equal(t, High, p)
	b, err := json.Marshal(Low)
	require.NoError(t, err)
	require.JSONEq(t, `"low"`, string(b))
}

func TestPriorityWeightsOrder(t *testing.T) {
	t.Parallel()
	order := []Priority{Critical, High, Normal, Low, Minimal}
	for i := 1; i < len(order); i++ {
		require.Greater(t, order[i-1].Weight(), order[i].Weight())
	}
	require.Zero(t, Priority(42).Weight())
}

func TestStrategyForIsTotal(t *testing.T) {
	t.Parallel()
	now := ts(3, 2, 10, 0)
	require.Equal(t, Immediate(), StrategyFor(Critical, now))
	require.Equal(t, WithinWindow(now, 4*time.Hour), StrategyFor(High, now))
	require.Equal(t, NextBestTime(24), StrategyFor(Normal, now))
	require.Equal(t, WithinWindow(now.Add(2*time.Hour), 4*time.Hour), StrategyFor(Low, now))
	require.Equal(t, Deferred(6*time.Hour), StrategyFor(Minimal, now))
	require.Equal(t, NextBestTime(24), StrategyFor(Priority(9), now))
}

func TestStrategyJSON(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(Deferred(6 * time.Hour))
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"deferred","delay":21600000000000}`, string(b))

	var st Strategy
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"next_best_time","horizon_hours":12}`), &st))
	require.Equal(t, NextBestTime(12), st)
}
