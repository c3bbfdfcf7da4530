package app

import (
	"fmt"
	"strings"
	"time"

	"cadence/internal/behavior"
	"cadence/internal/config"
	"cadence/internal/delivery"
	"cadence/internal/httpapi"
	"cadence/internal/schedule"
	"cadence/internal/storage"
	"cadence/pkg/keyed"
	logx "cadence/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapAnalyzerConfig(cfg *config.Config) (behavior.Config, error) {
	loc, err := cfg.Engine.Location()
	if err != nil {
		return behavior.Config{}, err
	}
	persist, err := config.ParseDurationOrDefault("engine.persist_timeout", cfg.Engine.PersistTimeout, 2*time.Second)
	if err != nil {
		return behavior.Config{}, err
	}
	return behavior.Config{
		MinSamples:       cfg.Engine.MinSamples,
		ConfidenceTarget: cfg.Engine.ConfidenceTarget,
		Location:         loc,
		PersistTimeout:   persist,
	}, nil
}

// mapRegistry registers the built-in categories, then the configured ones
// (a configured name replaces the built-in profile of the same name).
func mapRegistry(cfg *config.Config) (*behavior.Registry, error) {
	profiles := behavior.DefaultProfiles()
	for _, c := range cfg.Categories {
		p := behavior.Profile{
			Name:         strings.TrimSpace(c.Name),
			Aliases:      c.Aliases,
			DefaultHours: c.DefaultHours,
			GoodFrom:     c.GoodFrom,
			GoodTo:       c.GoodTo,
		}
		if len(p.DefaultHours) == 0 {
			p.DefaultHours = behavior.FallbackProfile.DefaultHours
		}
		if p.GoodFrom == 0 && p.GoodTo == 0 {
			p.GoodFrom, p.GoodTo = behavior.FallbackProfile.GoodFrom, behavior.FallbackProfile.GoodTo
		}
		replaced := false
		for i := range profiles {
			if profiles[i].Name == p.Name {
				profiles[i], replaced = p, true
			}
		}
		if !replaced {
			profiles = append(profiles, p)
		}
	}
	return behavior.NewRegistry(cfg.Engine.AllowUnknownCategories, profiles...)
}

func mapPolicy(cfg *config.Config) (schedule.Policy, error) {
	loc, err := cfg.Engine.Location()
	if err != nil {
		return schedule.Policy{}, err
	}
	spacing, err := config.ParseDurationOrDefault("engine.batch_spacing", cfg.Engine.BatchSpacing, 5*time.Minute)
	if err != nil {
		return schedule.Policy{}, err
	}
	submit, err := config.ParseDurationOrDefault("delivery.submit_timeout", cfg.Delivery.SubmitTimeout, 5*time.Second)
	if err != nil {
		return schedule.Policy{}, err
	}
	persist, err := config.ParseDurationOrDefault("engine.persist_timeout", cfg.Engine.PersistTimeout, 2*time.Second)
	if err != nil {
		return schedule.Policy{}, err
	}

	quiet := schedule.DefaultQuietHours
	if q := cfg.Engine.QuietHours; q != nil {
		quiet = schedule.QuietHours{Start: q.Start, End: q.End, Resume: q.Resume, Off: q.Disabled}
	}
	if err := quiet.Validate(); err != nil {
		return schedule.Policy{}, fmt.Errorf("engine.quiet_hours: %w", err)
	}

	return schedule.Policy{
		Location:      loc,
		Quiet:         quiet,
		BatchSpacing:  spacing,
		BatchRate:     cfg.Engine.BatchRatePerSec,
		SubmitTimeout: submit,
		StoreTimeout:  persist,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:         strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout:  busy,
		CompactEvery: cfg.Storage.CompactEvery,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (delivery.TelegramConfig, error) {
	tc := cfg.Delivery.Telegram
	poll, err := config.ParseDurationOrDefault("delivery.telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return delivery.TelegramConfig{}, err
	}
	window, err := config.ParseDurationOrDefault("delivery.telegram.feedback_window", tc.FeedbackWindow, 48*time.Hour)
	if err != nil {
		return delivery.TelegramConfig{}, err
	}
	send, err := config.ParseDurationOrDefault("delivery.submit_timeout", cfg.Delivery.SubmitTimeout, 10*time.Second)
	if err != nil {
		return delivery.TelegramConfig{}, err
	}
	return delivery.TelegramConfig{
		Token:          strings.TrimSpace(tc.Token),
		ChatID:         tc.ChatID,
		ThreadID:       tc.ThreadID,
		PollTimeout:    poll,
		SendTimeout:    send,
		FeedbackWindow: window,
	}, nil
}

func mapServerConfig(cfg *config.Config) (httpapi.ServerConfig, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	return httpapi.ServerConfig{
		Addr:         strings.TrimSpace(h.Addr),
		Token:        strings.TrimSpace(h.Token),
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

func mapQuota(cfg *config.Config) keyed.QuotaLimits {
	q := cfg.HTTP.Quota
	return keyed.QuotaLimits{PerMinute: q.PerMinute, PerHour: q.PerHour, PerDay: q.PerDay}
}

// validate runs the checks that need engine types on top of config.Validate.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapRegistry(cfg); err != nil {
		return err
	}
	if _, err := mapPolicy(cfg); err != nil {
		return err
	}
	return nil
}
