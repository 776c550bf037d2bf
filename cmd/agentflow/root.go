package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aristath/agentflow/internal/config"
	"github.com/aristath/agentflow/internal/logging"
)

var (
	configPath string
	logLevel   string
	storePath  string
)

var rootCmd = &cobra.Command{
	Use:   "agentflow",
	Short: "Task orchestration and agent messaging",
	Long: `agentflow runs prioritized tasks with retries, timeouts and crash
recovery, plans dependent subtasks into parallel phases, and routes
messages between agents.

Configuration is read from ~/.agentflow/config.toml and then
.agentflow/config.toml, each overriding the built-in defaults.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Project config file (default .agentflow/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().StringVar(&storePath, "db", "", "Override the configured task database path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(purgeCmd)
}

// configPaths returns the global and project config locations.
func configPaths() (string, string, error) {
	globalPath, projectPath, err := config.DefaultPaths()
	if err != nil {
		return "", "", err
	}
	if configPath != "" {
		projectPath = configPath
	}
	return globalPath, projectPath, nil
}

// loadConfig loads the layered config and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	globalPath, projectPath, err := configPaths()
	if err != nil {
		return nil, fmt.Errorf("resolve config paths: %w", err)
	}
	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logrus.Logger {
	return logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
}
