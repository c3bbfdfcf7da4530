package app

import (
	"context"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"cadence/internal/config"
	logx "cadence/pkg/logx"
)

const maxStartupSpread = 30 * time.Second

// job is one housekeeping task.
type job struct {
	name string
	spec string
	run  func(ctx context.Context)
}

// maintenance runs housekeeping jobs on cron schedules.
type maintenance struct {
	mu  sync.Mutex
	log logx.Logger
	c   *cron.Cron
	ctx context.Context
}

func newMaintenance(log logx.Logger) *maintenance {
	return &maintenance{log: log.With(logx.Component("maintenance"))}
}

// start registers jobs and starts triggering. A "-" spec disables a job; an
// empty one uses def.
func (m *maintenance) start(ctx context.Context, loc *time.Location, jobs []job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return nil
	}
	m.ctx = ctx
	c := cron.New(cron.WithParser(config.CronParser), cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	active := 0
	for _, j := range jobs {
		spec := strings.TrimSpace(j.spec)
		if spec == "-" {
			m.log.Debug("job disabled", logx.String("job", j.name))
			continue
		}
		if err := m.add(c, loc, j.name, spec, j.run); err != nil {
			return err
		}
		active++
	}
	c.Start()
	m.c = c
	m.log.Info("maintenance started", logx.Int("jobs", active), logx.String("tz", loc.String()))
	return nil
}

func (m *maintenance) add(c *cron.Cron, loc *time.Location, name, spec string, run func(context.Context)) error {
	fn := cron.FuncJob(func() {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("job panicked", logx.String("job", name), logx.Any("panic", r))
			}
		}()
		run(m.ctx)
		m.log.Debug("job done", logx.String("job", name), logx.Duration("took", time.Since(start)))
	})

	// Spread the first run of interval jobs so restarts don't align them.
	if every, ok := strings.CutPrefix(spec, "@every"); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(every)); err == nil && d > 0 {
			c.Schedule(withStartupSpread(d, time.Now().In(loc), name), fn)
			return nil
		}
	}
	_, err := c.AddJob(spec, fn)
	return err
}

func (m *maintenance) stop(ctx context.Context) {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// startupSpreadSchedule overrides the first activation of a base schedule.
type startupSpreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *startupSpreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func withStartupSpread(every time.Duration, now time.Time, tag string) cron.Schedule {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread)
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(h.Sum64())))
	jitter := time.Duration(rng.Int63n(int64(spread)))
	return &startupSpreadSchedule{base: base, first: now.Add(every + jitter)}
}

func specOrDefault(spec, def string) string {
	if s := strings.TrimSpace(spec); s != "" {
		return s
	}
	return def
}
