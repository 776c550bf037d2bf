package config

import "time"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			Workers:           4,
			WatchdogInterval:  Duration{10 * time.Second},
			DefaultMaxRetries: 3,
			StopTimeout:       Duration{5 * time.Second},
		},
		Retry: RetryConfig{
			InitialInterval:     Duration{100 * time.Millisecond},
			MaxInterval:         Duration{10 * time.Second},
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         Duration{30 * time.Second},
			HalfOpenRequests:    3,
		},
		Store: StoreConfig{
			Path:          ".agentflow/tasks.db",
			Retention:     Duration{30 * 24 * time.Hour},
			PurgeSchedule: "@daily",
		},
		Bus: BusConfig{
			HistorySize:   1000,
			SweepInterval: Duration{time.Second},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
