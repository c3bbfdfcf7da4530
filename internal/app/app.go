// Package app wires the engine, its drivers and the HTTP surface together
// and owns their lifecycle.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cadence/internal/behavior"
	"cadence/internal/config"
	"cadence/internal/delivery"
	"cadence/internal/eventbus"
	"cadence/internal/httpapi"
	"cadence/internal/metrics"
	"cadence/internal/runtime/supervisor"
	"cadence/internal/schedule"
	"cadence/pkg/keyed"
	logx "cadence/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	eng   *Engine
	sched *schedule.Scheduler

	deliv    delivery.Delivery
	telegram *delivery.Telegram
	logDeliv *delivery.Log

	cache   *keyed.Cache[json.RawMessage]
	limiter *keyed.RateLimiter
	quota   *keyed.Quota

	metrics *metrics.Metrics
	http    *httpapi.Server
	maint   *maintenance
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log.With(logx.Component("config")))
	log = log.With(logx.Component("app"))
	bus := eventbus.New()

	eng, err := OpenEngine(ctx, cfg, log, bus)
	if err != nil {
		return nil, err
	}
	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: bus, eng: eng}
	if err := a.build(cfg); err != nil {
		_ = eng.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Delivery.Driver)) {
	case "telegram":
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return err
		}
		tg, err := delivery.NewTelegram(tc, a.eng.Analyzer, a.log.With(logx.Component("telegram")), a.bus, nil)
		if err != nil {
			return err
		}
		a.telegram, a.deliv = tg, tg
	default:
		a.logDeliv = delivery.NewLog(a.log.With(logx.Component("delivery")), a.bus, nil)
		a.deliv = a.logDeliv
	}

	policy, err := mapPolicy(cfg)
	if err != nil {
		return err
	}
	a.sched = schedule.New(a.eng.Analyzer, a.deliv, policy,
		schedule.WithStore(a.eng.Store),
		schedule.WithLogger(a.log.With(logx.Component("scheduler"))),
		schedule.WithBus(a.bus),
	)

	a.cache = keyed.NewCache[json.RawMessage]()
	a.limiter = keyed.NewRateLimiter(nil)
	a.quota = keyed.NewQuota(mapQuota(cfg), nil)

	a.metrics = metrics.New(a.log, metrics.Gauges{
		Pending:    func() float64 { return float64(a.sched.Count("")) },
		CacheItems: func() float64 { return float64(a.cache.Len()) },
		BusDropped: func() float64 { return float64(eventbus.Dropped(a.bus)) },
	})

	scfg, err := mapServerConfig(cfg)
	if err != nil {
		return err
	}
	api := httpapi.New(httpapi.Deps{
		Scheduler: a.sched,
		Analyzer:  a.eng.Analyzer,
		Cache:     a.cache,
		Limiter:   a.limiter,
		Quota:     a.quota,
		Metrics:   a.metrics.Handler(),
		Bus:       a.bus,
		Log:       a.log,
	}, httpapi.Options{Token: scfg.Token, Pprof: cfg.HTTP.Pprof})
	a.http = httpapi.NewServer(scfg, api, a.log)
	a.maint = newMaintenance(a.log)
	return nil
}

func (a *App) Analyzer() *behavior.Analyzer   { return a.eng.Analyzer }
func (a *App) Scheduler() *schedule.Scheduler { return a.sched }

// HTTPAddr is the bound API address once the server is listening.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	if a.telegram != nil {
		a.telegram.Start(a.sup.Context())
	}

	// Subscribe before Restore: overdue items fire right away.
	a.consumeFired()
	a.logEvents()
	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })

	n, err := a.sched.Restore(ctx)
	if err != nil {
		a.log.Warn("restore pending items failed", logx.Err(err))
	}
	a.log.Info("pending items restored", logx.Int("count", n))

	a.http.Start(a.sup.Context())

	loc, err := cfg.Engine.Location()
	if err != nil {
		return err
	}
	if err := a.maint.start(a.sup.Context(), loc, a.jobs(cfg)); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}

	a.watchConfig()
	a.log.Info("app started",
		logx.String("delivery", a.driverName()),
		logx.String("storage", cfg.Storage.Driver),
	)
	return nil
}

func (a *App) driverName() string {
	if a.telegram != nil {
		return "telegram"
	}
	return "log"
}

// consumeFired forgets items once their delivery fired.
func (a *App) consumeFired() {
	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("delivery.fired", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Type != eventbus.TypeDeliveryFired && e.Type != eventbus.TypeDeliveryFailed {
					continue
				}
				if f, ok := e.Data.(delivery.Fired); ok {
					a.sched.MarkFired(c, f.DeliveryID)
				}
			}
		}
	})
}

func (a *App) logEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

func (a *App) jobs(cfg *config.Config) []job {
	m := cfg.Maintenance
	grace, _ := config.ParseDurationOrDefault("maintenance.fired_grace", m.FiredGrace, 10*time.Minute)
	maxAge, _ := config.ParseDurationOrDefault("maintenance.limiter_max_age", m.LimiterMaxAge, 24*time.Hour)
	return []job{
		{name: "cache_sweep", spec: specOrDefault(m.CacheSweep, "@every 1m"), run: func(context.Context) {
			n := a.cache.Sweep()
			if a.telegram != nil {
				n += a.telegram.SweepFeedback()
			}
			if n > 0 {
				a.log.Debug("expired entries swept", logx.Int("count", n))
			}
		}},
		{name: "limiter_prune", spec: specOrDefault(m.LimiterPrune, "@every 10m"), run: func(context.Context) {
			n := a.limiter.Prune(maxAge)
			n += a.quota.Prune(maxAge)
			if n > 0 {
				a.log.Debug("idle limiter keys pruned", logx.Int("count", n))
			}
		}},
		{name: "reap_fired", spec: specOrDefault(m.ReapFired, "@every 5m"), run: func(ctx context.Context) {
			if n := a.sched.Reap(ctx, grace); n > 0 {
				a.log.Info("stale items reaped", logx.Int("count", n))
			}
		}},
		{name: "report", spec: specOrDefault(m.Report, "@hourly"), run: func(ctx context.Context) {
			o := a.eng.Analyzer.Overall(ctx)
			a.log.Info("engagement report",
				logx.Int("models", o.TotalModels),
				logx.Int("ready", o.ReadyModels),
				logx.Int("sent", o.TotalSent),
				logx.Float64("open_rate", o.OpenRate),
				logx.Float64("avg_engagement", o.AverageEngagement),
				logx.Int("pending", a.sched.Count("")),
			)
		}},
	}
}

// watchConfig applies reloads: logging, scheduling policy and HTTP quota
// change live; everything else is reported as needing a restart.
func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogging(next))

	if policy, err := mapPolicy(next); err != nil {
		a.log.Warn("invalid engine config; keeping previous policy", logx.Err(err))
	} else {
		a.sched.Apply(policy)
	}
	a.quota.SetLimits(mapQuota(next))

	if prev.Engine.MinSamples != next.Engine.MinSamples ||
		prev.Engine.ConfidenceTarget != next.Engine.ConfidenceTarget ||
		prev.Engine.PersistTimeout != next.Engine.PersistTimeout ||
		prev.Engine.AllowUnknownCategories != next.Engine.AllowUnknownCategories {
		a.log.Warn("engine learning settings changed; restart required for them to take effect")
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component can't stall the rest.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.stop(c); return nil })
	step("http", 3*time.Second, a.http.Stop)
	step("delivery", 3*time.Second, func(c context.Context) error {
		if a.telegram != nil {
			return a.telegram.Stop(c)
		}
		return a.logDeliv.Close(c)
	})
	step("storage", time.Second, func(context.Context) error { return a.eng.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
