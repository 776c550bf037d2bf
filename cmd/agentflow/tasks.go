package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/agentflow/internal/scheduler"
)

var (
	tasksStatus string
	tasksType   string
	tasksLimit  int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List stored tasks",
	Long: `List tasks from the database, newest first.

Statuses: pending, executing, completed, failed, cancelled, paused.`,
	RunE: runTasks,
}

func init() {
	tasksCmd.Flags().StringVar(&tasksStatus, "status", "", "Only tasks in this status")
	tasksCmd.Flags().StringVar(&tasksType, "type", "", "Only tasks of this type")
	tasksCmd.Flags().IntVar(&tasksLimit, "limit", 50, "Maximum number of tasks (0 for all)")
}

func runTasks(cmd *cobra.Command, args []string) error {
	filter := scheduler.ListFilter{Type: tasksType, Limit: tasksLimit}
	if tasksStatus != "" {
		status, ok := scheduler.ParseStatus(tasksStatus)
		if !ok {
			return fmt.Errorf("unknown status %q", tasksStatus)
		}
		filter.Status = status
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := store.List(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tNAME\tPRIORITY\tSTATUS\tRETRIES\tCREATED\tERROR")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			t.ID, t.Type, t.Name, t.Priority, t.Status,
			t.RetryCount, t.MaxRetries,
			t.CreatedAt.Local().Format(time.DateTime),
			truncate(t.Error, 60))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
