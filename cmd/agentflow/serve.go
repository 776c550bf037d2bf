package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/agentflow/internal/metrics"
	"github.com/aristath/agentflow/internal/orchestrator"
	"github.com/aristath/agentflow/internal/tui"
)

var (
	serveTUI         bool
	serveMetricsAddr string
	servePlanFile    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler until interrupted",
	Long: `Recover unfinished tasks from the database and run them, together with
the message bus, the retention purge and optionally a Prometheus endpoint
and the terminal dashboard.

A plan file given with --plan is submitted once the scheduler is running.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveTUI, "tui", false, "Show the terminal dashboard")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides config)")
	serveCmd.Flags().StringVar(&servePlanFile, "plan", "", "Plan file to submit at startup")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	var req *orchestrator.Request
	if servePlanFile != "" {
		if req, err = readPlan(servePlanFile); err != nil {
			return err
		}
	}

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.close(); err != nil {
			logger.WithError(err).Error("shutdown incomplete")
		}
	}()

	if err := rt.start(ctx); err != nil {
		return err
	}
	if cfg.Store.PurgeSchedule != "" {
		if err := rt.purger.Start(ctx, cfg.Store.PurgeSchedule); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	addr := cfg.Metrics.Addr
	if serveMetricsAddr != "" {
		addr = serveMetricsAddr
	}
	if addr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, addr, rt.registry, logger)
		})
	}

	if req != nil {
		g.Go(func() error {
			runner := orchestrator.NewRunner(orchestrator.RunnerConfig{
				Scheduler: rt.sched,
				Events:    rt.events,
				Bus:       rt.bus,
				Logger:    logger,
			})
			report, err := runner.Run(gctx, *req)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("plan did not complete")
			} else if report != nil {
				logger.WithField("plan", report.Name).WithField("duration", report.Duration.String()).Info("plan completed")
			}
			// A failed plan does not stop the server
			return nil
		})
	}

	if serveTUI {
		globalPath, projectPath, err := configPaths()
		if err != nil {
			return err
		}
		// Log lines would corrupt the alternate screen
		logFile, err := openLogFile(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer logFile.Close()
		logger.SetOutput(logFile)

		model := tui.New(rt.events, rt.sched, cfg, globalPath, projectPath)
		p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(gctx))
		g.Go(func() error {
			_, err := p.Run()
			stop()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		})
	}

	logger.Info("agentflow serving, press Ctrl+C to stop")
	<-gctx.Done()
	stop()
	logger.Info("shutdown signal received, cleaning up")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timeout exceeded, forcing exit")
	}
	return nil
}

// openLogFile opens agentflow.log next to the task database.
func openLogFile(storePath string) (*os.File, error) {
	path := filepath.Join(filepath.Dir(storePath), "agentflow.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}
