package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
  "engine": {"timezone": "UTC", "min_samples": 12, "batch_spacing": "3m",
             "quiet_hours": {"start": 23, "end": 7, "resume": 8}},
  "categories": [{"name": "mood_checkin", "default_hours": [19], "good_from": 18, "good_to": 22}],
  "storage": {"driver": "sqlite", "path": "./data/cadence.db", "busy_timeout": "3s"},
  "delivery": {"driver": "log"},
  "http": {"addr": "127.0.0.1:8080", "quota": {"per_minute": 60}},
  "maintenance": {"cache_sweep": "*/30 * * * * *", "report": "@daily"}
}`

const sampleYAML = `
logging:
  level: debug
  console: true
engine:
  timezone: Europe/Berlin
storage:
  driver: file
  path: ./data/state.json
delivery:
  driver: telegram
  telegram:
    token: "123:abc"
    chat_id: 42
http:
  addr: ":8080"
`

func TestDecodeJSON(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("cadence.json", []byte(sampleJSON))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))
	require.Equal(t, 12, cfg.Engine.MinSamples)
	require.Equal(t, &QuietHoursConfig{Start: 23, End: 7, Resume: 8}, cfg.Engine.QuietHours)
	require.Equal(t, []int{19}, cfg.Categories[0].DefaultHours)
	require.Equal(t, 60, cfg.HTTP.Quota.PerMinute)

	loc, err := cfg.Engine.Location()
	require.NoError(t, err)
	require.Equal(t, time.UTC, loc)
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("cadence.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))
	require.Equal(t, "telegram", cfg.Delivery.Driver)
	require.EqualValues(t, 42, cfg.Delivery.Telegram.ChatID)
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{"logging": {"levle": "info"}}`))
	require.ErrorContains(t, err, "levle")
	_, err = Decode("c.json", []byte(`{} {}`))
	require.ErrorContains(t, err, "trailing data")
	_, err = Decode("c.yml", []byte("engine:\n  unknown_key: 1\n"))
	require.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Engine: EngineConfig{
			Timezone:       "Mars/Olympus",
			PersistTimeout: "soon",
			QuietHours:     &QuietHoursConfig{Start: 25, End: 8, Resume: 9},
		},
		Storage:     StorageConfig{Driver: "sqlite"},
		Delivery:    DeliveryConfig{Driver: "telegram"},
		HTTP:        HTTPConfig{Quota: QuotaConfig{PerDay: -1}},
		Maintenance: MaintenanceConfig{ReapFired: "every now and then", Report: "-"},
	}
	err := Validate(cfg)
	require.Error(t, err)
	for _, want := range []string{
		"engine.timezone",
		"engine.persist_timeout",
		"quiet_hours.start",
		"storage.path",
		"telegram.token",
		"telegram.chat_id",
		"http.quota",
		"maintenance.reap_fired",
	} {
		require.ErrorContains(t, err, want)
	}
	require.NotContains(t, err.Error(), "maintenance.report")
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	require.Equal(t, time.Minute, d)
	d, err = ParseDurationOrDefault("x", "90s", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, d)
	_, err = ParseDurationField("x", "-1s")
	require.Error(t, err)
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	a, err := Decode("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	b, err := Decode("b.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	b.Logging.Level = "warn"
	b.Delivery.Telegram.Token = "999:zzz"

	changed, attrs := SummarizeChange(a, b)
	require.Equal(t, []string{"logging", "delivery"}, changed)
	require.NotEmpty(t, attrs)
	require.Equal(t, []string{"delivery"}, RequiresRestart(changed))
}

func TestManagerReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cadence.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleJSON), 0o600))

	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	require.False(t, m.reload(ctx), "unchanged content")

	cfg := *m.Get()
	cfg.Logging.Level = "debug"
	writeJSON(t, path, cfg)
	require.True(t, m.reload(ctx))
	require.Equal(t, "debug", (<-ch).Logging.Level)

	cfg.Storage.Driver = "cassandra"
	writeJSON(t, path, cfg)
	require.False(t, m.reload(ctx), "invalid config is not committed")
	require.Equal(t, "sqlite", m.Get().Storage.Driver)
}

func TestManagerWatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cadence.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleJSON), 0o600))
	m := NewManager(path)
	m.debounce = 10 * time.Millisecond
	cfg, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	next := *cfg
	next.HTTP.Addr = "127.0.0.1:9090"
	require.Eventually(t, func() bool {
		writeJSON(t, path, next)
		select {
		case got := <-ch:
			return got.HTTP.Addr == "127.0.0.1:9090"
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
