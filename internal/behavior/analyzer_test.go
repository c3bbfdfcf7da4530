package behavior

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cadence/internal/eventbus"
	"cadence/pkg/clock"
	logx "cadence/pkg/logx"
)

type fakeStore struct {
	mu      sync.Mutex
	models  map[string]TimingModel
	saves   int
	saveErr error
}

func newFakeStore() *fakeStore { return &fakeStore{models: map[string]TimingModel{}} }

func (s *fakeStore) LoadTimingModel(_ context.Context, c string) (TimingModel, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[c]
	return m, ok, nil
}

func (s *fakeStore) SaveTimingModel(_ context.Context, m TimingModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.models[m.Category] = m
	return nil
}

func (s *fakeStore) DeleteTimingModel(_ context.Context, c string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.models, c)
	return nil
}

func (s *fakeStore) ListTimingModels(_ context.Context) ([]TimingModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TimingModel, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	return out, nil
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 2, hour, minute, 0, 0, time.UTC)
}

func firstHour(c []int) int { return c[0] }

func newTestAnalyzer(clk clock.Clock, store Store, opts ...Option) *Analyzer {
	base := []Option{WithClock(clk), WithHourPicker(firstHour)}
	if store != nil {
		base = append(base, WithStore(store))
	}
	return NewAnalyzer(Config{Location: time.UTC}, append(base, opts...)...)
}

// readyModel builds a ready model with the given per-hour scores
// (open and action rates both equal to the score).
func readyModel(category string, scores map[int]float64) TimingModel {
	m := NewTimingModel(category, at(0, 0))
	for h, s := range scores {
		n := int(s * 10)
		m.Hours[h] = HourStats{Sent: 10, Opened: n, Actioned: n}
		m.TotalSent += 10
		m.TotalOpened += n
	}
	return m
}

func TestPredictBestTimeDeterministic(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.models["contact_reminder"] = readyModel("contact_reminder", map[int]float64{9: 0.8, 14: 0.3, 20: 0.6})
	a := newTestAnalyzer(clock.NewManual(at(8, 0)), store)

	got := a.PredictBestTime(context.Background(), "contact_reminder", 24)
	require.Equal(t, at(9, 0), got)
}

func TestPredictBestTimeRespectsHorizon(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.models["goal_reminder"] = readyModel("goal_reminder", map[int]float64{9: 0.8, 14: 0.3, 20: 0.6})
	a := newTestAnalyzer(clock.NewManual(at(10, 30)), store)

	// 09:00 is out of a 12h horizon starting at 10:30; 20:00 is the best reachable.
	require.Equal(t, at(20, 0), a.PredictBestTime(context.Background(), "goal_reminder", 12))
	// With a full day, 09:00 tomorrow wins.
	require.Equal(t, at(9, 0).AddDate(0, 0, 1), a.PredictBestTime(context.Background(), "goal_reminder", 24))
}

func TestPredictBestTimeTiesTakeEarliestReachable(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.models["goal_reminder"] = readyModel("goal_reminder", map[int]float64{8: 0.5, 20: 0.5})
	a := newTestAnalyzer(clock.NewManual(at(12, 0)), store)

	// 08:00 is the earlier hour of day, but 20:00 today comes first from now.
	require.Equal(t, at(20, 0), a.PredictBestTime(context.Background(), "goal_reminder", 24))
}

func TestPredictBestTimeCurrentHourReturnsNow(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.models["habit_reminder"] = readyModel("habit_reminder", map[int]float64{20: 0.9})
	now := at(20, 15)
	a := newTestAnalyzer(clock.NewManual(now), store)
	require.Equal(t, now, a.PredictBestTime(context.Background(), "habit_reminder", 24))
}

func TestPredictBestTimeDefaultsUntilReady(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewManual(at(8, 0))
	a := newTestAnalyzer(clk, nil)

	require.Equal(t, at(20, 0), a.PredictBestTime(ctx, "habit_reminder", 24))
	require.Equal(t, at(9, 0), a.PredictBestTime(ctx, "contact", 24))

	clk.Set(at(21, 0))
	require.Equal(t, at(9, 0).AddDate(0, 0, 1), a.PredictBestTime(ctx, "goal_reminder", 24))
	require.Equal(t, at(12, 0).AddDate(0, 0, 1), a.PredictBestTime(ctx, "not a key", 24))
}

func TestPredictBestTimeJittersDefaults(t *testing.T) {
	t.Parallel()
	var seen []int
	picker := func(c []int) int {
		seen = append(seen, c...)
		return c[len(c)-1]
	}
	a := newTestAnalyzer(clock.NewManual(at(6, 0)), nil, WithHourPicker(picker))
	require.Equal(t, at(18, 0), a.PredictBestTime(context.Background(), "contact_reminder", 24))
	require.Equal(t, []int{9, 12, 15, 18}, seen)
}

func TestPredictBestTimeAllZeroFallsBack(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	m := NewTimingModel("goal_reminder", at(0, 0))
	m.Hours[10] = HourStats{Sent: 12}
	m.TotalSent = 12
	store.models["goal_reminder"] = m
	a := newTestAnalyzer(clock.NewManual(at(7, 0)), store)
	require.Equal(t, at(9, 0), a.PredictBestTime(context.Background(), "goal_reminder", 24))
}

func TestPredictBestHourWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	store.models["contact_reminder"] = readyModel("contact_reminder", map[int]float64{1: 0.9, 9: 0.8, 14: 0.3, 23: 0.6})
	a := newTestAnalyzer(clock.NewManual(at(8, 0)), store)

	require.Equal(t, 14, a.PredictBestHour(ctx, "contact_reminder", 12, 18))
	require.Equal(t, 1, a.PredictBestHour(ctx, "contact_reminder", 22, 3))
	require.Equal(t, 23, a.PredictBestHour(ctx, "contact_reminder", 22, 23))
	// Nothing engaging in range: default hour when inside, else start.
	require.Equal(t, 15, a.PredictBestHour(ctx, "contact_reminder", 15, 16))
	require.Equal(t, 3, a.PredictBestHour(ctx, "contact_reminder", 3, 5))
}

func TestPredictBestHourNotReady(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestAnalyzer(clock.NewManual(at(8, 0)), nil)
	require.Equal(t, 20, a.PredictBestHour(ctx, "habit_reminder", 18, 23))
	require.Equal(t, 6, a.PredictBestHour(ctx, "habit_reminder", 6, 10))
}

func TestIsGoodTimeNow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewManual(at(20, 0))
	store := newFakeStore()
	store.models["contact_reminder"] = readyModel("contact_reminder", map[int]float64{9: 0.8, 14: 0.3, 20: 0.6})
	a := newTestAnalyzer(clk, store)

	require.True(t, a.IsGoodTimeNow(ctx, "contact_reminder"))
	clk.Set(at(14, 0))
	require.False(t, a.IsGoodTimeNow(ctx, "contact_reminder"))
	clk.Set(at(11, 0))
	require.False(t, a.IsGoodTimeNow(ctx, "contact_reminder"), "unobserved hour")

	// Static windows while not ready.
	clk.Set(at(20, 0))
	require.True(t, a.IsGoodTimeNow(ctx, "habit_reminder"))
	require.False(t, a.IsGoodTimeNow(ctx, "goal_reminder"))
	clk.Set(at(7, 30))
	require.False(t, a.IsGoodTimeNow(ctx, "motivation"), "quiet hours override the window")
	clk.Set(at(23, 0))
	require.False(t, a.IsGoodTimeNow(ctx, "streak_warning"))
}

func TestRecordOpenedUsesSentHour(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestAnalyzer(clock.NewManual(at(12, 0)), nil)

	require.NoError(t, a.RecordSentAt(ctx, "goal_reminder", at(9, 0)))
	require.NoError(t, a.RecordOpened(ctx, "goal_reminder", at(9, 0), at(11, 45)))
	require.NoError(t, a.RecordDismissed(ctx, "goal_reminder", at(9, 5), at(10, 0)))
	require.NoError(t, a.RecordAction(ctx, "goal_reminder"))
	require.NoError(t, a.RecordSent(ctx, "goal_reminder"))

	m, err := a.Model(ctx, "goal_reminder")
	require.NoError(t, err)
	require.Equal(t, HourStats{Sent: 1, Opened: 1, Dismissed: 1}, m.Hours[9])
	require.Equal(t, HourStats{Sent: 1, Actioned: 1}, m.Hours[12])
	require.Zero(t, m.Hours[11].Opened)
	require.Equal(t, 2, m.TotalSent)
	require.Equal(t, 1, m.TotalOpened)
	require.Equal(t, 1, m.TotalDismissed)
	require.Equal(t, at(12, 0), m.LastUpdated)
}

func TestRecordLogsResponseDelay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var buf bytes.Buffer
	a := newTestAnalyzer(clock.NewManual(at(12, 0)), nil, WithLogger(logx.NewWriter(&buf, "debug")))

	require.NoError(t, a.RecordOpened(ctx, "goal_reminder", at(9, 0), at(9, 30)))
	require.NoError(t, a.RecordDismissed(ctx, "goal", at(9, 0), at(9, 2)))
	require.Contains(t, buf.String(), `"time_to_open":1800000`)
	require.Contains(t, buf.String(), `"time_to_dismiss":120000`)
}

func TestRecordRejectsInvalidCategory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestAnalyzer(clock.NewManual(at(12, 0)), nil)
	require.True(t, errors.Is(a.RecordSent(ctx, "Goal!"), ErrInvalidCategory))
	require.True(t, errors.Is(a.RecordAction(ctx, "unregistered"), ErrUnknownCategory))
}

func TestSaveFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	store.saveErr = errors.New("disk full")
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	a := newTestAnalyzer(clock.NewManual(at(12, 0)), store, WithBus(bus))
	require.NoError(t, a.RecordSent(ctx, "habit_reminder"))

	m, err := a.Model(ctx, "habit_reminder")
	require.NoError(t, err)
	require.Equal(t, 1, m.TotalSent, "in-memory copy stays authoritative")

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	require.Contains(t, types, eventbus.TypeBehaviorSaveFailed)
	require.Contains(t, types, eventbus.TypeBehaviorRecorded)
}

func TestConcurrentRecordsKeepInvariant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	a := newTestAnalyzer(clock.NewManual(at(12, 0)), store)

	cats := []string{"contact_reminder", "habit_reminder", "goal_reminder"}
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := cats[i%len(cats)]
			for j := 0; j < 20; j++ {
				_ = a.RecordSentAt(ctx, c, at(j%24, 0))
				_ = a.RecordOpened(ctx, c, at(j%24, 0), at(12, 0))
				_ = a.RecordAction(ctx, c)
			}
		}(i)
	}
	wg.Wait()

	for _, c := range cats {
		m, err := a.Model(ctx, c)
		require.NoError(t, err)
		require.Equal(t, 200, m.TotalSent)
		require.Equal(t, 200, m.TotalOpened)
		sum := 0
		for _, h := range m.Hours {
			sum += h.Sent
		}
		require.Equal(t, m.TotalSent, sum)
		require.Equal(t, m, store.models[c], "last save reflects last commit")
	}
}

func TestResetAndResetAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	store.models["motivation"] = readyModel("motivation", map[int]float64{8: 0.5})
	a := newTestAnalyzer(clock.NewManual(at(12, 0)), store)

	require.NoError(t, a.RecordSent(ctx, "habit_reminder"))
	require.NoError(t, a.Reset(ctx, "habit_reminder"))
	m, err := a.Model(ctx, "habit_reminder")
	require.NoError(t, err)
	require.Zero(t, m.TotalSent)
	_, ok := store.models["habit_reminder"]
	require.False(t, ok)

	require.NoError(t, a.RecordSent(ctx, "goal_reminder"))
	require.NoError(t, a.ResetAll(ctx))
	require.Empty(t, store.models, "stored models not loaded in memory are wiped too")
	m, err = a.Model(ctx, "goal_reminder")
	require.NoError(t, err)
	require.Zero(t, m.TotalSent)
}

func TestWarmAndReport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	store.models["motivation"] = readyModel("motivation", map[int]float64{8: 0.5})
	store.models["contact_reminder"] = readyModel("contact_reminder", map[int]float64{9: 0.8})
	a := newTestAnalyzer(clock.NewManual(at(12, 0)), store)
	require.NoError(t, a.Warm(ctx))

	rep := a.Report(ctx)
	require.Len(t, rep, 2)
	require.Equal(t, "contact_reminder", rep[0].Category)
	require.True(t, rep[0].Ready)
	require.Equal(t, []int{9}, rep[0].OptimalHours)
	require.InDelta(t, 10.0/30.0, rep[0].Confidence, 1e-9)

	o := a.Overall(ctx)
	require.Equal(t, 2, o.TotalModels)
	require.Equal(t, 2, o.ReadyModels)
	require.Equal(t, 20, o.TotalSent)
	require.Equal(t, 13, o.TotalOpened)
	require.InDelta(t, (0.8+0.5)/2, o.AverageEngagement, 1e-9)

	st, err := a.Status(ctx, "motivation")
	require.NoError(t, err)
	require.InDelta(t, 0.5, st.EngagementScore, 1e-9)
}

func TestAliasesShareOneModel(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	a := newTestAnalyzer(clock.NewManual(at(10, 0)), store)
	ctx := context.Background()

	require.NoError(t, a.RecordSent(ctx, "habit"))
	require.NoError(t, a.RecordSent(ctx, "habit_reminder"))

	m, err := a.Model(ctx, "habit")
	require.NoError(t, err)
	require.Equal(t, "habit_reminder", m.Category)
	require.Equal(t, 2, m.TotalSent)
	require.Contains(t, store.models, "habit_reminder")
	require.NotContains(t, store.models, "habit")

	require.NoError(t, a.Reset(ctx, "habit"))
	m, err = a.Model(ctx, "habit_reminder")
	require.NoError(t, err)
	require.Zero(t, m.TotalSent)
}
