package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/agentflow/internal/logging"
)

// Handler executes one task and returns its result payload.
type Handler func(ctx context.Context, task Task) (json.RawMessage, error)

// StatusListener is notified after every persisted status change.
type StatusListener interface {
	OnStatusChange(taskID string, status Status, errMsg string)
}

// CreationListener is an optional extension of StatusListener that also
// receives newly created tasks.
type CreationListener interface {
	OnTaskCreated(task Task)
}

// ListenerFunc adapts a function to StatusListener.
type ListenerFunc func(taskID string, status Status, errMsg string)

// OnStatusChange calls f.
func (f ListenerFunc) OnStatusChange(taskID string, status Status, errMsg string) {
	f(taskID, status, errMsg)
}

// Store persists task records. Upsert must be atomic per task.
type Store interface {
	Upsert(ctx context.Context, task *Task) error
	LoadActive(ctx context.Context) ([]*Task, error)
}

// Config tunes the scheduler. Zero fields fall back to defaults.
type Config struct {
	Workers           int
	WatchdogInterval  time.Duration
	DefaultMaxRetries int
	DefaultTimeout    time.Duration
	StopTimeout       time.Duration // How long Stop waits for handlers (default 5s)
	Retry             RetryPolicy
	Breaker           BreakerSettings
	Logger            logrus.FieldLogger
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 10 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry = DefaultRetryPolicy()
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker = DefaultBreakerSettings()
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	return c
}

// entry is the scheduler's private view of one task.
type entry struct {
	task    *Task
	attempt uint64             // Bumped on every dispatch, stale outcomes are dropped
	cancel  context.CancelFunc // Cancels the running handler
	held    *outcome           // Outcome that arrived while paused
	done    chan struct{}      // Closed when the task settles in a terminal status
}

type outcome struct {
	result json.RawMessage
	err    error
}

// note is a status change waiting to be delivered to listeners.
type note struct {
	id     string
	status Status
	errMsg string
}

type counters struct {
	completed int
	failed    int
	cancelled int
	retried   int
	created   int
}

// Scheduler owns task records, the ready queue, and the worker pool.
type Scheduler struct {
	cfg      Config
	store    Store
	log      logrus.FieldLogger
	queue    *readyQueue
	breakers *breakerRegistry
	slots    *semaphore.Weighted

	mu        sync.Mutex
	tasks     map[string]*entry
	handlers  map[string]Handler
	listeners []StatusListener
	counts    counters

	runMu   sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
	stopped bool
}

// New creates a scheduler backed by store.
func New(store Store, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	log := logging.Component(cfg.Logger, "scheduler")
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		log:      log,
		queue:    newReadyQueue(),
		breakers: newBreakerRegistry(cfg.Breaker, log),
		slots:    semaphore.NewWeighted(int64(cfg.Workers)),
		tasks:    make(map[string]*entry),
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler maps a task type to the handler that executes it.
func (s *Scheduler) RegisterHandler(taskType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskType] = h
}

// AddListener registers a status listener.
func (s *Scheduler) AddListener(l StatusListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start launches the dispatch loop and the watchdog. It returns once they are running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return errors.New("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.group = new(errgroup.Group)
	s.started = true

	s.group.Go(func() error {
		s.dispatchLoop(s.ctx)
		return nil
	})
	s.group.Go(func() error {
		s.watchdogLoop(s.ctx)
		return nil
	})

	s.log.WithFields(logrus.Fields{
		"workers":  s.cfg.Workers,
		"watchdog": s.cfg.WatchdogInterval.String(),
	}).Info("scheduler started")
	return nil
}

// Stop cancels running handlers and waits up to StopTimeout for every scheduler
// goroutine to return. Handlers that ignore cancellation are abandoned.
// Tasks still executing stay executing in the store and are recovered on the next start.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.runMu.Unlock()
		return
	}
	s.stopped = true
	cancel, group := s.cancel, s.group
	s.runMu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-timer.C:
		s.log.WithField("timeout", s.cfg.StopTimeout.String()).Warn("scheduler stopped with handlers still running")
	}
}

func (s *Scheduler) running() (context.Context, *errgroup.Group, bool) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.started || s.stopped {
		return nil, nil, false
	}
	return s.ctx, s.group, true
}

// emit delivers notes to every listener. Must be called without s.mu held.
func (s *Scheduler) emit(notes []note) {
	if len(notes) == 0 {
		return
	}
	s.mu.Lock()
	listeners := append([]StatusListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, n := range notes {
		for _, l := range listeners {
			s.callListener(func() { l.OnStatusChange(n.id, n.status, n.errMsg) }, n.id)
		}
	}
}

func (s *Scheduler) emitCreated(task *Task) {
	s.mu.Lock()
	listeners := append([]StatusListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		cl, ok := l.(CreationListener)
		if !ok {
			continue
		}
		t := *task.Clone()
		s.callListener(func() { cl.OnTaskCreated(t) }, task.ID)
	}
}

// callListener runs fn and logs instead of propagating a panic.
func (s *Scheduler) callListener(fn func(), taskID string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{
				"task_id": taskID,
				"panic":   fmt.Sprint(r),
			}).Warn("status listener failed")
		}
	}()
	fn()
}
