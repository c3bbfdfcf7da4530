package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cadence/internal/config"
	"cadence/internal/schedule"
)

func writeConfig(t *testing.T, cfg map[string]any) string {
	t.Helper()
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	p := filepath.Join(t.TempDir(), "cadence.json")
	require.NoError(t, os.WriteFile(p, b, 0o600))
	return p
}

func TestMapPolicy(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Engine: config.EngineConfig{
		Timezone:        "UTC",
		BatchSpacing:    "2m",
		BatchRatePerSec: 3,
		QuietHours:      &config.QuietHoursConfig{Start: 23, End: 6, Resume: 7},
	}}
	p, err := mapPolicy(cfg)
	require.NoError(t, err)
	require.Equal(t, time.UTC, p.Location)
	require.Equal(t, 2*time.Minute, p.BatchSpacing)
	require.Equal(t, 3.0, p.BatchRate)
	require.Equal(t, schedule.QuietHours{Start: 23, End: 6, Resume: 7}, p.Quiet)
	require.Equal(t, 5*time.Second, p.SubmitTimeout)

	cfg.Engine.QuietHours = &config.QuietHoursConfig{Start: 22, End: 8, Resume: 23}
	_, err = mapPolicy(cfg)
	require.Error(t, err)

	cfg.Engine.QuietHours = nil
	p, err = mapPolicy(cfg)
	require.NoError(t, err)
	require.Equal(t, schedule.DefaultQuietHours, p.Quiet)
}

func TestMapRegistryOverridesAndExtends(t *testing.T) {
	t.Parallel()

	reg, err := mapRegistry(&config.Config{Categories: []config.CategoryConfig{
		{Name: "motivation", DefaultHours: []int{7}, GoodFrom: 6, GoodTo: 9},
		{Name: "bill_due", Aliases: []string{"bill"}},
	}})
	require.NoError(t, err)

	p, err := reg.Lookup("motivation")
	require.NoError(t, err)
	require.Equal(t, []int{7}, p.DefaultHours)

	p, err = reg.Lookup("bill")
	require.NoError(t, err)
	require.Equal(t, "bill_due", p.Name)
	require.Equal(t, []int{12}, p.DefaultHours)

	require.Error(t, reg.Validate("unheard_of"))
}

func TestStartServeStop(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"logging": map[string]any{"level": "error"},
		"engine":  map[string]any{"timezone": "UTC"},
		"storage": map[string]any{"driver": "file", "path": filepath.Join(t.TempDir(), "state")},
		"http":    map[string]any{"addr": "127.0.0.1:0"},
		"maintenance": map[string]any{
			"cache_sweep": "-", "limiter_prune": "-", "reap_fired": "-", "report": "-",
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool { return a.HTTPAddr() != "" }, 2*time.Second, 10*time.Millisecond)
	base := "http://" + a.HTTPAddr()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := json.Marshal(map[string]any{"category": "motivation", "priority": "critical", "title": "now", "skip_quiet_hours": true})
	resp, err = http.Post(base+"/v1/notifications", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// The log driver fires immediately; the fired event forgets the item.
	require.Eventually(t, func() bool { return a.Scheduler().Count("") == 0 }, 2*time.Second, 10*time.Millisecond)

	m, err := a.Analyzer().Model(ctx, "motivation")
	require.NoError(t, err)
	require.Equal(t, 1, m.TotalSent)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopSIGTERM))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, map[string]any{
		"engine": map[string]any{"quiet_hours": map[string]any{"start": 22, "end": 8, "resume": 23}},
	})
	_, err := New(context.Background(), path)
	require.Error(t, err)
}
