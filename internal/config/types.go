package config

import (
	"fmt"
	"time"
)

// Duration wraps time.Duration so it can be written as "250ms" or "1m" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// SchedulerConfig controls dispatch and timeout enforcement.
type SchedulerConfig struct {
	Workers           int      `toml:"workers"`             // Bounded worker pool size
	WatchdogInterval  Duration `toml:"watchdog_interval"`   // How often executing tasks are checked for timeouts
	DefaultMaxRetries int      `toml:"default_max_retries"` // Applied when a task does not set its own
	DefaultTimeout    Duration `toml:"default_timeout"`     // Zero means no timeout
	StopTimeout       Duration `toml:"stop_timeout"`        // How long shutdown waits for running handlers
}

// RetryConfig shapes the exponential backoff applied before a failed task is re-queued.
type RetryConfig struct {
	InitialInterval     Duration `toml:"initial_interval"`
	MaxInterval         Duration `toml:"max_interval"`
	Multiplier          float64  `toml:"multiplier"`
	RandomizationFactor float64  `toml:"randomization_factor"`
}

// BreakerConfig configures the per-task-type circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32   `toml:"consecutive_failures"` // Failures in a row that open the breaker
	OpenTimeout         Duration `toml:"open_timeout"`         // How long the breaker stays open
	HalfOpenRequests    uint32   `toml:"half_open_requests"`   // Probes allowed while half-open
}

// StoreConfig locates the task database and its retention policy.
type StoreConfig struct {
	Path          string   `toml:"path"`
	Retention     Duration `toml:"retention"`      // Terminal tasks older than this are purged
	PurgeSchedule string   `toml:"purge_schedule"` // Cron spec for the purge job, empty disables it
}

// BusConfig configures the communication bus.
type BusConfig struct {
	HistorySize   int      `toml:"history_size"`
	SweepInterval Duration `toml:"sweep_interval"`
	DefaultTTL    Duration `toml:"default_ttl"` // Zero means messages never expire by default
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `toml:"addr"` // Empty disables the HTTP listener
}

// Config is the top-level configuration.
type Config struct {
	Scheduler SchedulerConfig `toml:"scheduler"`
	Retry     RetryConfig     `toml:"retry"`
	Breaker   BreakerConfig   `toml:"breaker"`
	Store     StoreConfig     `toml:"store"`
	Bus       BusConfig       `toml:"bus"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
}
