package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"cadence/internal/app"
	"cadence/internal/behavior"
	"cadence/internal/config"
	"cadence/internal/eventbus"
	logx "cadence/pkg/logx"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAdminCommands(t *testing.T) {
	dir := t.TempDir()
	b, err := json.Marshal(map[string]any{
		"engine":  map[string]any{"timezone": "UTC"},
		"storage": map[string]any{"driver": "file", "path": filepath.Join(dir, "state")},
	})
	require.NoError(t, err)
	path := filepath.Join(dir, "cadence.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))

	// Seed one model through the same engine the commands open.
	ctx := context.Background()
	cfg, err := config.NewManager(path).Load()
	require.NoError(t, err)
	eng, err := app.OpenEngine(ctx, cfg, logx.Nop(), eventbus.Nop())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, eng.Analyzer.RecordSent(ctx, "motivation"))
	}
	require.NoError(t, eng.Close())

	out, err := run(t, "--config", path, "report", "--json")
	require.NoError(t, err)
	var rep struct {
		Models  []behavior.ModelStatus `json:"models"`
		Overall behavior.Overall       `json:"overall"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	require.Equal(t, 3, rep.Overall.TotalSent)

	out, err = run(t, "--config", path, "predict", "motivation", "--within", "6")
	require.NoError(t, err)
	require.Contains(t, out, "category:   motivation")
	require.Contains(t, out, "ready:      false")

	_, err = run(t, "--config", path, "predict", "nope")
	require.Error(t, err)

	_, err = run(t, "--config", path, "reset")
	require.ErrorContains(t, err, "exactly one")

	// --all without --yes asks and aborts on empty input.
	_, err = run(t, "--config", path, "reset", "--all")
	require.ErrorContains(t, err, "aborted")

	_, err = run(t, "--config", path, "reset", "motivation", "--all=false")
	require.NoError(t, err)

	out, err = run(t, "--config", path, "report", "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	require.Zero(t, rep.Overall.TotalSent)
}
