package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/aristath/agentflow/internal/bus"
	"github.com/aristath/agentflow/internal/config"
	"github.com/aristath/agentflow/internal/events"
	"github.com/aristath/agentflow/internal/handlers"
	"github.com/aristath/agentflow/internal/metrics"
	"github.com/aristath/agentflow/internal/persistence"
	"github.com/aristath/agentflow/internal/retention"
	"github.com/aristath/agentflow/internal/scheduler"
)

// runtime holds the long-lived components of one process.
type runtime struct {
	cfg      *config.Config
	log      *logrus.Logger
	store    *persistence.SQLiteStore
	sched    *scheduler.Scheduler
	bus      *bus.Bus
	events   *events.EventBus
	procs    *handlers.ProcessManager
	registry *prometheus.Registry
	purger   *retention.Purger
}

func schedulerConfig(cfg *config.Config, logger logrus.FieldLogger) scheduler.Config {
	return scheduler.Config{
		Workers:           cfg.Scheduler.Workers,
		WatchdogInterval:  cfg.Scheduler.WatchdogInterval.Duration,
		DefaultMaxRetries: cfg.Scheduler.DefaultMaxRetries,
		DefaultTimeout:    cfg.Scheduler.DefaultTimeout.Duration,
		StopTimeout:       cfg.Scheduler.StopTimeout.Duration,
		Retry: scheduler.RetryPolicy{
			InitialInterval:     cfg.Retry.InitialInterval.Duration,
			MaxInterval:         cfg.Retry.MaxInterval.Duration,
			Multiplier:          cfg.Retry.Multiplier,
			RandomizationFactor: cfg.Retry.RandomizationFactor,
		},
		Breaker: scheduler.BreakerSettings{
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			OpenTimeout:         cfg.Breaker.OpenTimeout.Duration,
			HalfOpenRequests:    cfg.Breaker.HalfOpenRequests,
		},
		Logger: logger,
	}
}

// openStore opens the configured database, creating its directory.
func openStore(ctx context.Context, cfg *config.Config) (*persistence.SQLiteStore, error) {
	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	store, err := persistence.NewSQLiteStore(ctx, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	return store, nil
}

// newRuntime wires every component. Nothing runs until start.
func newRuntime(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*runtime, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	msgBus, err := bus.New(bus.Config{
		HistorySize:   cfg.Bus.HistorySize,
		SweepInterval: cfg.Bus.SweepInterval.Duration,
		DefaultTTL:    cfg.Bus.DefaultTTL.Duration,
		Logger:        logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create bus: %w", err)
	}

	r := &runtime{
		cfg:      cfg,
		log:      logger,
		store:    store,
		sched:    scheduler.New(store, schedulerConfig(cfg, logger)),
		bus:      msgBus,
		events:   events.NewEventBus(),
		procs:    handlers.NewProcessManager(),
		registry: prometheus.NewRegistry(),
	}

	r.sched.AddListener(events.NewNotifier(r.events, r.bus, r.sched, logger))

	observer, err := metrics.NewTaskObserver(r.registry, r.sched)
	if err != nil {
		r.close()
		return nil, err
	}
	r.sched.AddListener(observer)
	if err := metrics.Register(r.registry, metrics.NewCollector(r.sched, r.bus, r.events)); err != nil {
		r.close()
		return nil, err
	}

	handlers.RegisterAll(r.sched, r.procs, func(taskID, line string) {
		r.events.Publish(events.TopicTask, events.TaskOutputEvent{ID: taskID, Line: line, Timestamp: time.Now()})
	}, logger)

	r.purger = retention.New(store, r.sched, cfg.Store.Retention.Duration, logger)
	return r, nil
}

// start recovers unfinished tasks and launches the background loops.
func (r *runtime) start(ctx context.Context) error {
	n, err := r.sched.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	if n > 0 {
		r.log.WithField("tasks", n).Info("recovered unfinished tasks")
	}
	if err := r.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	r.bus.Start(ctx)
	return nil
}

// close stops everything in reverse order of start.
func (r *runtime) close() error {
	var errs []error
	if r.purger != nil {
		r.purger.Stop()
	}
	r.sched.Stop()
	if err := r.procs.KillAll(); err != nil {
		errs = append(errs, fmt.Errorf("kill subprocesses: %w", err))
	}
	r.bus.Stop()
	r.events.Close()
	if err := r.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
