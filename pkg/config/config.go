// Package config provides the unified configuration system for qmux.
// It defines a single Config structure covering the connection pool, the
// batch scheduler, and observability, so a multiplexer is fully described
// by one document.
//
// All fields have working defaults; a zero-configuration multiplexer is
// usable out of the box:
//
//	cfg := config.DefaultConfig()
//	cfg.Pool.MaxConnections = 20
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stratoslabs/qmux/pkg/qerrors"
)

// Config is the single configuration structure for a multiplexer instance.
type Config struct {
	// Name identifies the multiplexer instance in logs and metrics
	Name string `yaml:"name" json:"name"`

	// Pool settings control the physical connection pool
	Pool PoolConfig `yaml:"pool" json:"pool"`

	// Scheduler settings control batch formation and ticking
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`

	// Timeouts define connection-level timeout durations
	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts"`

	// Observability settings for logging, metrics and health thresholds
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// PoolConfig contains connection pool settings.
type PoolConfig struct {
	// MinConnections are opened eagerly at startup
	MinConnections int `yaml:"min_connections" json:"min_connections"`
	// MaxConnections is the hard ceiling on pool size
	MaxConnections int `yaml:"max_connections" json:"max_connections"`
	// AcquireTimeout bounds how long an acquire may wait for a free
	// connection. Zero means wait indefinitely, matching the original
	// unbounded behavior; setting a bound surfaces sustained overload as
	// a pool_exhausted error instead of an indefinitely parked caller.
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
}

// SchedulerConfig contains batch scheduler settings.
type SchedulerConfig struct {
	// MaxBatchSize caps how many requests one tick may drain
	MaxBatchSize int `yaml:"max_batch_size" json:"max_batch_size"`
	// TickInterval is the scheduler wake-up period
	TickInterval time.Duration `yaml:"tick_interval" json:"tick_interval"`
	// DefaultQueryTimeout applies to requests submitted without a timeout
	DefaultQueryTimeout time.Duration `yaml:"default_query_timeout" json:"default_query_timeout"`
}

// TimeoutConfig contains connection-level timeouts.
type TimeoutConfig struct {
	// Connect bounds how long opening one physical connection may take
	Connect time.Duration `yaml:"connect" json:"connect"`
}

// ObservabilityConfig contains logging, metrics and health settings.
type ObservabilityConfig struct {
	// EnableMetrics activates the prometheus reporter
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// Thresholds drive the health verdict
	Thresholds ThresholdConfig `yaml:"thresholds" json:"thresholds"`
}

// ThresholdConfig defines the hard limits behind the health check. Crossing
// a hard limit marks the multiplexer unhealthy; approaching one (80% of the
// limit) only produces an advisory recommendation.
type ThresholdConfig struct {
	// PoolUtilizationPercent flags a saturated pool (busy/total * 100)
	PoolUtilizationPercent float64 `yaml:"pool_utilization_percent" json:"pool_utilization_percent"`
	// QueueDepth flags unbounded queue growth
	QueueDepth int `yaml:"queue_depth" json:"queue_depth"`
	// AverageLatency flags slow query execution
	AverageLatency time.Duration `yaml:"average_latency" json:"average_latency"`
}

// DefaultConfig returns a configuration with working defaults for every
// field. The defaults favor predictable resource usage over throughput.
func DefaultConfig() *Config {
	return &Config{
		Name: "qmux",
		Pool: PoolConfig{
			MinConnections: 2,
			MaxConnections: 10,
			AcquireTimeout: 0, // wait indefinitely
		},
		Scheduler: SchedulerConfig{
			MaxBatchSize:        25,
			TickInterval:        100 * time.Millisecond,
			DefaultQueryTimeout: 30 * time.Second,
		},
		Timeouts: TimeoutConfig{
			Connect: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			EnableMetrics: true,
			LogLevel:      "info",
			Thresholds: ThresholdConfig{
				PoolUtilizationPercent: 90,
				QueueDepth:             1000,
				AverageLatency:         5 * time.Second,
			},
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Name == "" {
		return qerrors.New(qerrors.ErrorTypeConfig, "name must not be empty")
	}
	if c.Pool.MinConnections < 0 {
		return qerrors.New(qerrors.ErrorTypeConfig, "pool.min_connections must not be negative")
	}
	if c.Pool.MaxConnections < 1 {
		return qerrors.New(qerrors.ErrorTypeConfig, "pool.max_connections must be at least 1")
	}
	if c.Pool.MinConnections > c.Pool.MaxConnections {
		return qerrors.Newf(qerrors.ErrorTypeConfig,
			"pool.min_connections (%d) exceeds pool.max_connections (%d)",
			c.Pool.MinConnections, c.Pool.MaxConnections)
	}
	if c.Pool.AcquireTimeout < 0 {
		return qerrors.New(qerrors.ErrorTypeConfig, "pool.acquire_timeout must not be negative")
	}
	if c.Scheduler.MaxBatchSize < 1 {
		return qerrors.New(qerrors.ErrorTypeConfig, "scheduler.max_batch_size must be at least 1")
	}
	if c.Scheduler.TickInterval <= 0 {
		return qerrors.New(qerrors.ErrorTypeConfig, "scheduler.tick_interval must be positive")
	}
	if c.Scheduler.DefaultQueryTimeout <= 0 {
		return qerrors.New(qerrors.ErrorTypeConfig, "scheduler.default_query_timeout must be positive")
	}
	if c.Observability.Thresholds.PoolUtilizationPercent <= 0 || c.Observability.Thresholds.PoolUtilizationPercent > 100 {
		return qerrors.New(qerrors.ErrorTypeConfig, "observability.thresholds.pool_utilization_percent must be in (0, 100]")
	}
	if c.Observability.Thresholds.QueueDepth < 1 {
		return qerrors.New(qerrors.ErrorTypeConfig, "observability.thresholds.queue_depth must be at least 1")
	}
	if c.Observability.Thresholds.AverageLatency <= 0 {
		return qerrors.New(qerrors.ErrorTypeConfig, "observability.thresholds.average_latency must be positive")
	}
	return nil
}

// Load reads a YAML configuration file layered over DefaultConfig, so a
// partial file only overrides the fields it names. ${VAR} references are
// expanded from the environment before parsing. The result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeConfig, "reading config file").
			WithDetail("path", path)
	}

	cfg := DefaultConfig()
	expanded := os.Expand(string(data), os.Getenv)
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeConfig, "parsing config file").
			WithDetail("path", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML, suitable as a starting point for
// hand editing.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return qerrors.Wrap(err, qerrors.ErrorTypeConfig, "marshaling config")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return qerrors.Wrap(err, qerrors.ErrorTypeConfig, "writing config file").
			WithDetail("path", path)
	}
	return nil
}
