package config

import (
	"reflect"

	logx "cadence/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe log fields.
// Secrets (bot token, API token) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs, logx.String("logging.level", newCfg.Logging.Level))
	}
	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.timezone", newCfg.Engine.Timezone),
			logx.String("engine.batch_spacing", newCfg.Engine.BatchSpacing),
		)
	}
	if !reflect.DeepEqual(oldCfg.Categories, newCfg.Categories) {
		changed = append(changed, "categories")
		attrs = append(attrs, logx.Int("categories.count", len(newCfg.Categories)))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.driver", newCfg.Delivery.Driver),
			logx.Bool("delivery.telegram.token_set", newCfg.Delivery.Telegram.Token != ""),
		)
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}
	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
	}
	return changed, attrs
}

// RequiresRestart reports sections that are only read at startup.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "delivery", "http", "maintenance", "categories":
			out = append(out, s)
		}
	}
	return out
}
