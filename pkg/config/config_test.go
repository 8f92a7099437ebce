package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratoslabs/qmux/pkg/qerrors"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.Pool.MinConnections)
	assert.Equal(t, 10, cfg.Pool.MaxConnections)
	assert.Equal(t, 25, cfg.Scheduler.MaxBatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Scheduler.TickInterval)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.DefaultQueryTimeout)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty name", func(c *Config) { c.Name = "" }},
		{"negative min connections", func(c *Config) { c.Pool.MinConnections = -1 }},
		{"zero max connections", func(c *Config) { c.Pool.MaxConnections = 0 }},
		{"min above max", func(c *Config) { c.Pool.MinConnections = 11 }},
		{"negative acquire timeout", func(c *Config) { c.Pool.AcquireTimeout = -time.Second }},
		{"zero batch size", func(c *Config) { c.Scheduler.MaxBatchSize = 0 }},
		{"zero tick interval", func(c *Config) { c.Scheduler.TickInterval = 0 }},
		{"zero default timeout", func(c *Config) { c.Scheduler.DefaultQueryTimeout = 0 }},
		{"utilization above 100", func(c *Config) { c.Observability.Thresholds.PoolUtilizationPercent = 101 }},
		{"zero queue depth threshold", func(c *Config) { c.Observability.Thresholds.QueueDepth = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, qerrors.IsType(err, qerrors.ErrorTypeConfig))
		})
	}
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("QMUX_TEST_MAX_CONNS", "7")

	dir := t.TempDir()
	path := filepath.Join(dir, "qmux.yaml")
	content := `
name: test-mux
pool:
  min_connections: 1
  max_connections: ${QMUX_TEST_MAX_CONNS}
scheduler:
  max_batch_size: 5
  tick_interval: 50ms
  default_query_timeout: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-mux", cfg.Name)
	assert.Equal(t, 7, cfg.Pool.MaxConnections)
	assert.Equal(t, 50*time.Millisecond, cfg.Scheduler.TickInterval)
}

func TestLoadLayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qmux.yaml")
	content := `
pool:
  max_connections: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Pool.MaxConnections)
	// Fields the file does not name keep their defaults.
	assert.Equal(t, "qmux", cfg.Name)
	assert.Equal(t, 25, cfg.Scheduler.MaxBatchSize)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qmux.yaml")
	content := `
pool:
  max_connections: 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, qerrors.IsType(err, qerrors.ErrorTypeConfig))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, qerrors.IsType(err, qerrors.ErrorTypeConfig))
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")

	cfg := DefaultConfig()
	cfg.Pool.MaxConnections = 42
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, loaded.Pool.MaxConnections)
	assert.Equal(t, cfg.Scheduler.TickInterval, loaded.Scheduler.TickInterval)
}
