package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 0.82, cfg.Resolver.MergeThreshold)
	assert.Equal(t, 1, cfg.Orchestrator.HeavySlots)
	assert.Equal(t, 30*time.Minute, cfg.Orchestrator.HeavyTimeout)
	assert.Equal(t, 10*time.Second, cfg.Signals.Timeout)
	assert.InDelta(t, 0.35, cfg.Signals.Weights["llm"], 1e-9)
	assert.Equal(t, "consistency-engine", cfg.Observability.Tracing.ServiceName)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeFile(t, t.TempDir(), "consistency.yaml", `
server:
  port: 9090
database:
  driver: postgres
  dsn: postgres://localhost/consistency
resolver:
  merge_threshold: 0.9
orchestrator:
  heavy_slots: 2
  heavy_timeout: 10m
signals:
  weights:
    semantic: 0.5
    llm: 0
    morpho: 0.25
    heuristic: 0.25
`)
	t.Setenv("CONSISTENCY_SERVER_ADMIN_PORT", "9191")
	t.Setenv("CONSISTENCY_RESOLVER_MERGE_THRESHOLD", "0.88")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 9191, cfg.Server.AdminPort)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/consistency", cfg.Database.DSN)
	assert.Equal(t, 0.88, cfg.Resolver.MergeThreshold)
	assert.Equal(t, 2, cfg.Orchestrator.HeavySlots)
	assert.Equal(t, 10*time.Minute, cfg.Orchestrator.HeavyTimeout)
	assert.Equal(t, 0.5, cfg.Signals.Weights["semantic"])
	assert.Equal(t, 0.0, cfg.Signals.Weights["llm"])
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"driver":    "database:\n  driver: oracle\n",
		"port":      "server:\n  port: 70000\n",
		"threshold": "resolver:\n  merge_threshold: 1.5\n",
		"auth":      "auth:\n  enabled: true\n",
		"weights":   "signals:\n  weights:\n    astrology: 1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "consistency.yaml", body)
			_, err := LoadFile(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "consistency.yaml", "server: [unclosed\n")
	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestMetricsPort(t *testing.T) {
	cfg := &Config{}
	cfg.Observability.Metrics.Port = 3000
	assert.Equal(t, 3000, MetricsPort(cfg, 2112))
	assert.Equal(t, 2112, MetricsPort(nil, 2112))

	t.Setenv("METRICS_PORT", "4000")
	assert.Equal(t, 4000, MetricsPort(cfg, 2112))
}

func TestTunablesValidate(t *testing.T) {
	ok := DefaultTunables()
	require.NoError(t, ok.Validate())

	bad := func(mut func(*Tunables)) error {
		tu := DefaultTunables()
		mut(tu)
		return tu.Validate()
	}
	assert.Error(t, bad(func(tu *Tunables) { tu.Resolver.MergeThreshold = 0 }))
	assert.Error(t, bad(func(tu *Tunables) { tu.Resolver.AutoMergeThreshold = 0.5 }))
	assert.Error(t, bad(func(tu *Tunables) { tu.Resolver.AmbiguityMargin = 0.9 }))
	assert.Error(t, bad(func(tu *Tunables) { tu.Attributes.MinConfidence = 2 }))
	assert.Error(t, bad(func(tu *Tunables) { tu.Signals.Weights["llm"] = -1 }))
	assert.Error(t, bad(func(tu *Tunables) {
		for k := range tu.Signals.Weights {
			tu.Signals.Weights[k] = 0
		}
	}))
	assert.NoError(t, bad(func(tu *Tunables) { tu.Resolver.AutoMergeThreshold = 0.95 }))
}

func TestSignalWeightsConversion(t *testing.T) {
	w := DefaultTunables().SignalWeights()
	assert.InDelta(t, 1.0, w["semantic"]+w["llm"]+w["morpho"]+w["heuristic"], 1e-9)
}

func TestShippedConfigIsValid(t *testing.T) {
	path := filepath.Join("..", "..", "config", "consistency.yaml")
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.True(t, cfg.Orchestrator.ResumeOnRestart)
	assert.Equal(t, TunablesFrom(cfg).Signals.Weights, DefaultWeights())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &raw))
	assert.NoError(t, ValidateTunables(raw))
}
