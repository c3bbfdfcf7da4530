package config

// Config is the cadenced configuration file (JSON, or YAML by extension).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Engine      EngineConfig      `json:"engine"`
	Categories  []CategoryConfig  `json:"categories,omitempty"`
	Storage     StorageConfig     `json:"storage"`
	Delivery    DeliveryConfig    `json:"delivery"`
	HTTP        HTTPConfig        `json:"http"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // text (default) or json
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls learning and scheduling.
//
// Defaults (when fields are omitted/zero):
//   - timezone: local
//   - min_samples: 10
//   - confidence_target: 30
//   - persist_timeout: "2s"
//   - quiet_hours: 22 → 8, resume at 9
//   - batch_spacing: "5m"
//   - batch_rate_per_sec: 10
type EngineConfig struct {
	Timezone         string `json:"timezone,omitempty"`
	MinSamples       int    `json:"min_samples,omitempty"`
	ConfidenceTarget int    `json:"confidence_target,omitempty"`
	PersistTimeout   string `json:"persist_timeout,omitempty"`

	// AllowUnknownCategories accepts well-formed keys that are not registered.
	AllowUnknownCategories bool `json:"allow_unknown_categories,omitempty"`

	QuietHours      *QuietHoursConfig `json:"quiet_hours,omitempty"`
	BatchSpacing    string            `json:"batch_spacing,omitempty"`
	BatchRatePerSec float64           `json:"batch_rate_per_sec,omitempty"`
}

type QuietHoursConfig struct {
	Disabled bool `json:"disabled,omitempty"`
	Start    int  `json:"start"`
	End      int  `json:"end"`
	Resume   int  `json:"resume"`
}

// CategoryConfig registers an extra category (or overrides a built-in one).
type CategoryConfig struct {
	Name         string   `json:"name"`
	Aliases      []string `json:"aliases,omitempty"`
	DefaultHours []int    `json:"default_hours,omitempty"`
	GoodFrom     int      `json:"good_from"`
	GoodTo       int      `json:"good_to"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/cadence.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	CompactEvery int    `json:"compact_every,omitempty"` // file
}

// DeliveryConfig selects the delivery driver ("log" or "telegram").
type DeliveryConfig struct {
	Driver        string         `json:"driver"`
	SubmitTimeout string         `json:"submit_timeout,omitempty"`
	Telegram      TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token          string `json:"token"`
	ChatID         int64  `json:"chat_id"`
	ThreadID       int    `json:"thread_id,omitempty"`
	PollTimeout    string `json:"poll_timeout,omitempty"`
	FeedbackWindow string `json:"feedback_window,omitempty"`
}

// HTTPConfig controls the API server.
//
// Security note: pprof and the API share the listener; keep Addr on loopback
// or set Token when exposing it.
type HTTPConfig struct {
	Addr         string      `json:"addr"`
	Token        string      `json:"token,omitempty"` // optional bearer token (do not log)
	ReadTimeout  string      `json:"read_timeout,omitempty"`
	WriteTimeout string      `json:"write_timeout,omitempty"`
	IdleTimeout  string      `json:"idle_timeout,omitempty"`
	Quota        QuotaConfig `json:"quota,omitempty"`
	Pprof        bool        `json:"pprof,omitempty"`
}

// QuotaConfig limits requests per client; zero disables a window.
type QuotaConfig struct {
	PerMinute int `json:"per_minute,omitempty"`
	PerHour   int `json:"per_hour,omitempty"`
	PerDay    int `json:"per_day,omitempty"`
}

// MaintenanceConfig holds cron specs (seconds optional, descriptors allowed)
// for background housekeeping. Empty specs use defaults; "-" disables a job.
type MaintenanceConfig struct {
	CacheSweep    string `json:"cache_sweep,omitempty"`    // default "@every 1m"
	LimiterPrune  string `json:"limiter_prune,omitempty"`  // default "@every 10m"
	ReapFired     string `json:"reap_fired,omitempty"`     // default "@every 5m"
	Report        string `json:"report,omitempty"`         // default "@hourly"
	FiredGrace    string `json:"fired_grace,omitempty"`    // default "10m"
	LimiterMaxAge string `json:"limiter_max_age,omitempty"` // default "24h"
}
