// Package metrics turns engine events into Prometheus series.
//
// Collectors live on a private registry so tests and multiple engines in one
// process never collide on the global default registerer.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cadence/internal/behavior"
	"cadence/internal/delivery"
	"cadence/internal/eventbus"
	"cadence/internal/schedule"
	logx "cadence/pkg/logx"
)

const namespace = "cadence"

// Metrics owns the registry and every collector the engine exports.
type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	BehaviorEvents     *prometheus.CounterVec
	BehaviorSaveErrors *prometheus.CounterVec
	Scheduled          *prometheus.CounterVec
	Rejected           *prometheus.CounterVec
	Cancelled          *prometheus.CounterVec
	Rescheduled        prometheus.Counter
	PersistErrors      *prometheus.CounterVec
	Fired              *prometheus.CounterVec
	FireFailures       *prometheus.CounterVec
	FireLag            prometheus.Histogram
	LimitDenied        *prometheus.CounterVec
}

// Gauges are sampled at scrape time.
type Gauges struct {
	Pending    func() float64
	CacheItems func() float64
	BusDropped func() float64
}

// New builds the collectors and registers them together with the Go runtime
// and process collectors.
func New(log logx.Logger, g Gauges) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		log: log.With(logx.Component("metrics")),
		BehaviorEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "behavior", Name: "events_total",
			Help: "Recorded behavior events by category and kind",
		}, []string{"category", "kind"}),
		BehaviorSaveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "behavior", Name: "save_errors_total",
			Help: "Timing model saves that failed",
		}, []string{"category"}),
		Scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "schedule", Name: "submitted_total",
			Help: "Items handed to delivery by category and priority",
		}, []string{"category", "priority"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "schedule", Name: "rejected_total",
			Help: "Items the delivery collaborator refused",
		}, []string{"category"}),
		Cancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "schedule", Name: "cancelled_total",
			Help: "Cancelled items by category",
		}, []string{"category"}),
		Rescheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "schedule", Name: "rescheduled_total",
			Help: "Items moved to an explicit time",
		}),
		PersistErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "schedule", Name: "persist_errors_total",
			Help: "Item store operations that failed",
		}, []string{"op"}),
		Fired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "fired_total",
			Help: "Notifications presented by driver and category",
		}, []string{"driver", "category"}),
		FireFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "failed_total",
			Help: "Notifications whose driver send failed",
		}, []string{"driver", "category"}),
		FireLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "fire_lag_seconds",
			Help:    "Delay between the due time and the actual fire",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120},
		}),
		LimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "limits", Name: "denied_total",
			Help: "Denied rate limit and quota checks by source",
		}, []string{"source"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BehaviorEvents, m.BehaviorSaveErrors,
		m.Scheduled, m.Rejected, m.Cancelled, m.Rescheduled, m.PersistErrors,
		m.Fired, m.FireFailures, m.FireLag,
		m.LimitDenied,
	)
	m.gauge("schedule", "pending_items", "Items currently tracked by the scheduler", g.Pending)
	m.gauge("cache", "entries", "Entries held by the keyed cache service", g.CacheItems)
	m.gauge("eventbus", "dropped_total", "Events dropped because a subscriber was full", g.BusDropped)
	return m
}

func (m *Metrics) gauge(sub, name, help string, fn func() float64) {
	if fn == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: sub, Name: name, Help: help,
	}, fn))
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Observe applies one event to the collectors.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeBehaviorRecorded, eventbus.TypeBehaviorReset:
		if r, ok := ev.Data.(behavior.RecordedEvent); ok {
			m.BehaviorEvents.WithLabelValues(r.Category, r.Kind).Inc()
		}
	case eventbus.TypeBehaviorSaveFailed:
		if r, ok := ev.Data.(behavior.RecordedEvent); ok {
			m.BehaviorSaveErrors.WithLabelValues(r.Category).Inc()
		}
	case eventbus.TypeScheduleSubmitted:
		if it, ok := ev.Data.(schedule.Item); ok {
			m.Scheduled.WithLabelValues(it.Category, it.Priority.String()).Inc()
		}
	case eventbus.TypeScheduleRejected:
		if d, ok := ev.Data.(map[string]string); ok {
			m.Rejected.WithLabelValues(d["category"]).Inc()
		}
	case eventbus.TypeScheduleCancelled:
		if it, ok := ev.Data.(schedule.Item); ok {
			m.Cancelled.WithLabelValues(it.Category).Inc()
		}
	case eventbus.TypeScheduleRescheduled:
		m.Rescheduled.Inc()
	case eventbus.TypeSchedulePersistFailed:
		if d, ok := ev.Data.(map[string]string); ok {
			m.PersistErrors.WithLabelValues(d["op"]).Inc()
		}
	case eventbus.TypeDeliveryFired:
		if f, ok := ev.Data.(delivery.Fired); ok {
			m.Fired.WithLabelValues(f.Driver, f.Category).Inc()
			if lag := f.At.Sub(f.Due); lag >= 0 {
				m.FireLag.Observe(lag.Seconds())
			}
		}
	case eventbus.TypeDeliveryFailed:
		if f, ok := ev.Data.(delivery.Fired); ok {
			m.FireFailures.WithLabelValues(f.Driver, f.Category).Inc()
		}
	case eventbus.TypeLimitDenied:
		src := "unknown"
		if d, ok := ev.Data.(map[string]string); ok && d["source"] != "" {
			src = d["source"]
		}
		m.LimitDenied.WithLabelValues(src).Inc()
	default:
		m.log.Debug("metrics: unhandled event", logx.String("type", ev.Type))
	}
}
