package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 20, cfg.Engine.TargetTPS)
	assert.Equal(t, 2*time.Millisecond, cfg.Engine.InlineBudget)
	assert.Equal(t, 0, cfg.Workers.Min)
	assert.GreaterOrEqual(t, cfg.Workers.Max, 1)
	assert.Equal(t, 2500*time.Millisecond, cfg.Autoscale.Cooldown)
	assert.Equal(t, 2, cfg.Render.DrainPerFrame)
	assert.Equal(t, 50*time.Millisecond, cfg.SimStep())
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

// TestLoadOverridesOnlyGivenFields 未提供的欄位保留預設值
func TestLoadOverridesOnlyGivenFields(t *testing.T) {
	path := writeConfig(t, `
engine:
  target_tps: 30
  inline_budget: 5ms
workers:
  min: 1
  max: 3
autoscale:
  cooldown: 4s
storage:
  dir: /tmp/voxel
diagnostics:
  http_addr: ":9090"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Engine.TargetTPS)
	assert.Equal(t, 5*time.Millisecond, cfg.Engine.InlineBudget)
	assert.Equal(t, 0.1, cfg.Engine.EWMAAlpha)
	assert.Equal(t, 1, cfg.Workers.Min)
	assert.Equal(t, 3, cfg.Workers.Max)
	assert.Equal(t, 4*time.Second, cfg.Autoscale.Cooldown)
	assert.Equal(t, time.Second, cfg.Autoscale.Period)
	assert.True(t, cfg.Autoscale.Enabled)
	assert.Equal(t, "/tmp/voxel", cfg.Storage.Dir)
	assert.Equal(t, ":9090", cfg.Diagnostics.HTTPAddr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformed(t *testing.T) {
	path := writeConfig(t, "engine: [not, a, map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
workers:
  min: 5
  max: 2
`)
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "workers.min")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero tps", func(c *Config) { c.Engine.TargetTPS = 0 }},
		{"alpha above one", func(c *Config) { c.Engine.EWMAAlpha = 1.5 }},
		{"negative min", func(c *Config) { c.Workers.Min = -1 }},
		{"min above max", func(c *Config) { c.Workers.Min, c.Workers.Max = 4, 2 }},
		{"zero period", func(c *Config) { c.Autoscale.Period = 0 }},
		{"zero headroom", func(c *Config) { c.Autoscale.SimHeadroom = 0 }},
		{"zero drain", func(c *Config) { c.Render.DrainPerFrame = 0 }},
		{"zero diagnostics interval", func(c *Config) { c.Diagnostics.Interval = 0 }},
		{"storage without snapshot interval", func(c *Config) {
			c.Storage.Dir = "/tmp/x"
			c.Storage.SnapshotInterval = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

// TestValidateSkipsDisabledAutoscale 關閉自動擴縮時不檢查其參數
func TestValidateSkipsDisabledAutoscale(t *testing.T) {
	cfg := Default()
	cfg.Autoscale.Enabled = false
	cfg.Autoscale.Period = 0
	assert.NoError(t, cfg.Validate())
}
