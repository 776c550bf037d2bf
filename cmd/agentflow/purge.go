package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/agentflow/internal/retention"
)

var purgeOlderThan time.Duration

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete finished tasks older than the retention window",
	Long: `Delete completed, failed and cancelled tasks that finished before the
cutoff. Pending, executing and paused tasks are never deleted.

Without --older-than the configured store.retention is used.`,
	RunE: runPurge,
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "Retention window, e.g. 168h")
}

func runPurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	window := cfg.Store.Retention.Duration
	if purgeOlderThan > 0 {
		window = purgeOlderThan
	}
	if window <= 0 {
		return fmt.Errorf("retention window must be positive")
	}

	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := retention.New(store, nil, window, newLogger(cfg)).RunOnce(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged %d tasks finished more than %s ago.\n", n, window)
	return nil
}
