package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aristath/agentflow/internal/orchestrator"
	"github.com/aristath/agentflow/internal/planner"
)

var planDryRun bool

var planCmd = &cobra.Command{
	Use:   "plan <file.json>",
	Short: "Run a plan of dependent subtasks",
	Long: `Read a plan file, group its subtasks into phases and run the phases in
order. Subtasks of one phase run in parallel. The final report is
printed as JSON.

Plan file format:

  {
    "name": "build",
    "subtasks": [
      {"id": "deps", "type": "exec", "payload": {"command": "go", "args": ["mod", "download"]}},
      {"id": "test", "type": "exec", "dependencies": ["deps"], "timeout": "5m", "priority": "high"}
    ]
  }`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().BoolVar(&planDryRun, "dry-run", false, "Print the phases without running anything")
}

// readPlan decodes a plan file.
func readPlan(path string) (*orchestrator.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var req orchestrator.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if req.Name == "" {
		req.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	return &req, nil
}

// describePlan renders the phases of req, one line per phase.
func describePlan(req *orchestrator.Request) (string, error) {
	subtasks := make([]planner.Subtask, 0, len(req.Subtasks))
	for _, s := range req.Subtasks {
		subtasks = append(subtasks, planner.Subtask{ID: s.ID, Dependencies: s.Dependencies})
	}
	plan, err := planner.Build(subtasks)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for i, phase := range plan.Phases {
		mode := "sequential"
		if phase.Parallel {
			mode = "parallel"
		}
		fmt.Fprintf(&b, "phase %d (%s): %s\n", i+1, mode, strings.Join(phase.IDs, ", "))
	}
	if plan.Warning != "" {
		fmt.Fprintf(&b, "warning: %s\n", plan.Warning)
	}
	return b.String(), nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	req, err := readPlan(args[0])
	if err != nil {
		return err
	}

	if planDryRun {
		out, err := describePlan(req)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.start(ctx); err != nil {
		return err
	}

	runner := orchestrator.NewRunner(orchestrator.RunnerConfig{
		Scheduler: rt.sched,
		Events:    rt.events,
		Bus:       rt.bus,
		Logger:    logger,
	})
	report, runErr := runner.Run(ctx, *req)
	if report != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	return runErr
}
