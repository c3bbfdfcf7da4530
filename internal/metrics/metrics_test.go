package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"cadence/internal/behavior"
	"cadence/internal/delivery"
	"cadence/internal/eventbus"
	"cadence/internal/schedule"
	logx "cadence/pkg/logx"
)

func TestObserveCountsEvents(t *testing.T) {
	t.Parallel()

	m := New(logx.Nop(), Gauges{})
	due := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	m.Observe(eventbus.Event{Type: eventbus.TypeBehaviorRecorded, Data: behavior.RecordedEvent{Category: "habit_reminder", Kind: "opened"}})
	m.Observe(eventbus.Event{Type: eventbus.TypeBehaviorRecorded, Data: behavior.RecordedEvent{Category: "habit_reminder", Kind: "opened"}})
	m.Observe(eventbus.Event{Type: eventbus.TypeScheduleSubmitted, Data: schedule.Item{Category: "motivation", Priority: schedule.High}})
	m.Observe(eventbus.Event{Type: eventbus.TypeScheduleRejected, Data: map[string]string{"category": "motivation"}})
	m.Observe(eventbus.Event{Type: eventbus.TypeSchedulePersistFailed, Data: map[string]string{"op": "save"}})
	m.Observe(eventbus.Event{Type: eventbus.TypeDeliveryFired, Data: delivery.Fired{Driver: "log", Category: "motivation", Due: due, At: due.Add(time.Second)}})
	m.Observe(eventbus.Event{Type: eventbus.TypeLimitDenied, Data: map[string]string{"source": "quota"}})
	m.Observe(eventbus.Event{Type: eventbus.TypeLimitDenied})

	require.Equal(t, 2.0, testutil.ToFloat64(m.BehaviorEvents.WithLabelValues("habit_reminder", "opened")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Scheduled.WithLabelValues("motivation", "high")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Rejected.WithLabelValues("motivation")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.PersistErrors.WithLabelValues("save")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Fired.WithLabelValues("log", "motivation")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.LimitDenied.WithLabelValues("quota")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.LimitDenied.WithLabelValues("unknown")))
	require.Equal(t, 1, testutil.CollectAndCount(m.FireLag))
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	m := New(logx.Nop(), Gauges{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, bus) }()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleRescheduled})
		return testutil.ToFloat64(m.Rescheduled) > 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestHandlerExposesGauges(t *testing.T) {
	t.Parallel()

	m := New(logx.Nop(), Gauges{Pending: func() float64 { return 3 }})
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "cadence_schedule_pending_items 3"))
}
