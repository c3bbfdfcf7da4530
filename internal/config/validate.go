package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// CronParser is the parser used for maintenance specs.
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks everything that can be checked without opening resources.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "", "text", "json":
	default:
		add(fmt.Errorf("logging.format: unknown format %q (want text or json)", cfg.Logging.Format))
	}

	_, err := cfg.Engine.Location()
	add(err)
	if cfg.Engine.MinSamples < 0 {
		add(errors.New("engine.min_samples must be >= 0"))
	}
	if cfg.Engine.ConfidenceTarget < 0 {
		add(errors.New("engine.confidence_target must be >= 0"))
	}
	if cfg.Engine.BatchRatePerSec < 0 {
		add(errors.New("engine.batch_rate_per_sec must be >= 0"))
	}
	if q := cfg.Engine.QuietHours; q != nil && !q.Disabled {
		for name, h := range map[string]int{"start": q.Start, "end": q.End, "resume": q.Resume} {
			if h < 0 || h > 23 {
				add(fmt.Errorf("engine.quiet_hours.%s: hour %d out of range", name, h))
			}
		}
	}
	_, err = ParseDurationField("engine.persist_timeout", cfg.Engine.PersistTimeout)
	add(err)
	_, err = ParseDurationField("engine.batch_spacing", cfg.Engine.BatchSpacing)
	add(err)

	for i, c := range cfg.Categories {
		if strings.TrimSpace(c.Name) == "" {
			add(fmt.Errorf("categories[%d].name is required", i))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	switch strings.ToLower(strings.TrimSpace(cfg.Delivery.Driver)) {
	case "", "log":
	case "telegram":
		if strings.TrimSpace(cfg.Delivery.Telegram.Token) == "" {
			add(errors.New("delivery.telegram.token is required"))
		}
		if cfg.Delivery.Telegram.ChatID == 0 {
			add(errors.New("delivery.telegram.chat_id is required"))
		}
	default:
		add(fmt.Errorf("delivery.driver: unknown driver %q", cfg.Delivery.Driver))
	}
	_, err = ParseDurationField("delivery.submit_timeout", cfg.Delivery.SubmitTimeout)
	add(err)
	_, err = ParseDurationField("delivery.telegram.poll_timeout", cfg.Delivery.Telegram.PollTimeout)
	add(err)
	_, err = ParseDurationField("delivery.telegram.feedback_window", cfg.Delivery.Telegram.FeedbackWindow)
	add(err)

	for path, raw := range map[string]string{
		"http.read_timeout":  cfg.HTTP.ReadTimeout,
		"http.write_timeout": cfg.HTTP.WriteTimeout,
		"http.idle_timeout":  cfg.HTTP.IdleTimeout,
	} {
		_, err = ParseDurationField(path, raw)
		add(err)
	}
	q := cfg.HTTP.Quota
	if q.PerMinute < 0 || q.PerHour < 0 || q.PerDay < 0 {
		add(errors.New("http.quota: limits must be >= 0"))
	}

	m := cfg.Maintenance
	for path, spec := range map[string]string{
		"maintenance.cache_sweep":   m.CacheSweep,
		"maintenance.limiter_prune": m.LimiterPrune,
		"maintenance.reap_fired":    m.ReapFired,
		"maintenance.report":        m.Report,
	} {
		spec = strings.TrimSpace(spec)
		if spec == "" || spec == "-" {
			continue
		}
		if _, err := CronParser.Parse(spec); err != nil {
			add(fmt.Errorf("%s: invalid cron spec %q: %w", path, spec, err))
		}
	}
	_, err = ParseDurationField("maintenance.fired_grace", m.FiredGrace)
	add(err)
	_, err = ParseDurationField("maintenance.limiter_max_age", m.LimiterMaxAge)
	add(err)

	return errors.Join(errs...)
}
