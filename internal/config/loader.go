package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed TOML returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultPaths returns the conventional config locations.
// Global: ~/.agentflow/config.toml
// Project: .agentflow/config.toml (relative to cwd)
func DefaultPaths() (string, string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".agentflow", "config.toml"), filepath.Join(".agentflow", "config.toml"), nil
}

// LoadDefault loads configuration from DefaultPaths.
func LoadDefault() (*Config, error) {
	globalPath, projectPath, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, projectPath)
}

// mergeConfigFile decodes a TOML file on top of base. Only keys present in the
// file overwrite base, so a file may set a single field.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	return nil
}

// Validate rejects values the runtime cannot work with.
func (c *Config) Validate() error {
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.DefaultMaxRetries < 0 {
		return fmt.Errorf("scheduler.default_max_retries must not be negative, got %d", c.Scheduler.DefaultMaxRetries)
	}
	if c.Scheduler.WatchdogInterval.Duration <= 0 {
		return fmt.Errorf("scheduler.watchdog_interval must be positive")
	}
	if c.Scheduler.StopTimeout.Duration < 0 {
		return fmt.Errorf("scheduler.stop_timeout must not be negative")
	}
	if c.Bus.HistorySize <= 0 {
		return fmt.Errorf("bus.history_size must be positive, got %d", c.Bus.HistorySize)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1, got %v", c.Retry.Multiplier)
	}
	return nil
}
