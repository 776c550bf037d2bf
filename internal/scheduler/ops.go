package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Create allocates a pending task, persists it and queues it for dispatch.
// Nothing is kept in memory when the store write fails.
func (s *Scheduler) Create(ctx context.Context, opts CreateOptions) (string, error) {
	if opts.Type == "" {
		return "", errors.New("task type is required")
	}
	prio := opts.Priority.OrDefault()
	if !prio.Valid() {
		return "", fmt.Errorf("invalid priority %d", int(opts.Priority))
	}

	maxRetries := s.cfg.DefaultMaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}
	if maxRetries < 0 {
		return "", fmt.Errorf("max retries must not be negative, got %d", maxRetries)
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = s.cfg.DefaultTimeout
	}
	if timeout < 0 {
		return "", fmt.Errorf("timeout must not be negative, got %s", timeout)
	}

	task := &Task{
		ID:           uuid.NewString(),
		Type:         opts.Type,
		Name:         opts.Name,
		Priority:     prio,
		Status:       StatusPending,
		CreatedAt:    time.Now(),
		MaxRetries:   maxRetries,
		Timeout:      timeout,
		Payload:      slices.Clone(opts.Payload),
		Dependencies: slices.Clone(opts.Dependencies),
		Metadata:     maps.Clone(opts.Metadata),
	}
	if task.Name == "" {
		task.Name = task.Type
	}

	s.mu.Lock()
	if err := s.persistLocked(ctx, task); err != nil {
		s.mu.Unlock()
		return "", &PersistenceError{TaskID: task.ID, Op: "create", Err: err}
	}
	s.tasks[task.ID] = &entry{task: task}
	s.counts.created++
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"type":     task.Type,
		"priority": task.Priority.String(),
	}).Info("task created")

	// Listeners hear about the task before a worker can pick it up.
	s.emitCreated(task)
	s.emit([]note{{id: task.ID, status: StatusPending}})
	s.queue.push(task.ID, task.Priority)
	return task.ID, nil
}

// UpdateStatus applies an externally driven status change. Retry is the
// only way out of failed; use Retry for that.
func (s *Scheduler) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error {
	if status == StatusExecuting {
		// paused -> executing is a resume and must release any held outcome.
		s.mu.Lock()
		e, ok := s.tasks[id]
		paused := ok && e.task.Status == StatusPaused
		s.mu.Unlock()
		if paused {
			return s.Resume(ctx, id)
		}
	}

	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	from := e.task.Status
	if !CanTransition(from, status) {
		s.mu.Unlock()
		return invalidTransition(id, from, status)
	}
	n, err := s.setStatusLocked(ctx, e, status, errMsg, nil)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.settleLocked(e)
	s.mu.Unlock()

	s.emit([]note{n})
	return nil
}

// Cancel stops a pending, executing or paused task. Cancelling a task that
// already reached a terminal status is a no-op. A running handler is told to
// stop through its context and its eventual result is discarded.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if e.task.Status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	n, err := s.setStatusLocked(ctx, e, StatusCancelled, "", nil)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.settleLocked(e)
	s.mu.Unlock()

	s.log.WithField("task_id", id).Info("task cancelled")
	s.emit([]note{n})
	return nil
}

// Pause holds an executing task. The handler keeps running, but its outcome
// is only applied after Resume.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if e.task.Status != StatusExecuting {
		s.mu.Unlock()
		return invalidTransition(id, e.task.Status, StatusPaused)
	}
	n, err := s.setStatusLocked(ctx, e, StatusPaused, "", nil)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.emit([]note{n})
	return nil
}

// Resume returns a paused task to executing and applies an outcome that
// arrived while it was paused. When that outcome cannot be recorded the task
// goes back to paused, keeps the outcome, and the store error is returned.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if e.task.Status != StatusPaused {
		s.mu.Unlock()
		return invalidTransition(id, e.task.Status, StatusExecuting)
	}
	held := e.held
	n, err := s.setStatusLocked(ctx, e, StatusExecuting, "", nil)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	notes := []note{n}
	e.held = nil
	if held != nil {
		more, err := s.applyOutcomeLocked(ctx, e, held.result, held.err)
		notes = append(notes, more...)
		if err != nil {
			if e.task.Status == StatusExecuting {
				// Park the outcome on a paused task for the next Resume.
				back, perr := s.setStatusLocked(ctx, e, StatusPaused, "", nil)
				if perr == nil {
					notes = append(notes, back)
				} else {
					s.log.WithField("task_id", id).WithError(perr).Error("failed to re-pause task, outcome stays held")
				}
				e.held = held
			}
			s.mu.Unlock()
			s.emit(notes)
			return err
		}
	}
	s.mu.Unlock()

	s.emit(notes)
	return nil
}

// Retry puts a failed task back to pending. It returns false when the retry
// budget is spent.
func (s *Scheduler) Retry(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if e.task.Status != StatusFailed {
		s.mu.Unlock()
		return false, invalidTransition(id, e.task.Status, StatusPending)
	}
	if e.task.RetryCount >= e.task.MaxRetries {
		s.mu.Unlock()
		return false, nil
	}

	e.task.RetryCount++
	n, err := s.setStatusLocked(ctx, e, StatusPending, "", nil)
	if err != nil {
		e.task.RetryCount--
		s.mu.Unlock()
		return false, err
	}
	s.counts.retried++
	p := e.task.Priority
	s.mu.Unlock()

	s.log.WithField("task_id", id).Info("task retried")
	s.emit([]note{n})
	s.queue.push(id, p)
	return true, nil
}

// Get returns a copy of the task.
func (s *Scheduler) Get(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return e.task.Clone(), nil
}

// Status returns the current status of the task.
func (s *Scheduler) Status(id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return e.task.Status, nil
}

// Result returns the result of a completed task, or nil for any other status.
func (s *Scheduler) Result(id string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if e.task.Status != StatusCompleted {
		return nil, nil
	}
	return slices.Clone(e.task.Result), nil
}

// List returns copies of matching tasks, newest first.
func (s *Scheduler) List(filter ListFilter) []*Task {
	s.mu.Lock()
	out := make([]*Task, 0, len(s.tasks))
	for _, e := range s.tasks {
		if filter.Status != "" && e.task.Status != filter.Status {
			continue
		}
		if filter.Type != "" && e.task.Type != filter.Type {
			continue
		}
		out = append(out, e.task.Clone())
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b *Task) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Wait blocks until the task rests in a terminal status and returns a copy of it.
// A failure followed by an automatic retry does not count.
func (s *Scheduler) Wait(ctx context.Context, id string) (*Task, error) {
	for {
		s.mu.Lock()
		e, ok := s.tasks[id]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		if e.task.Status.Terminal() {
			t := e.task.Clone()
			s.mu.Unlock()
			return t, nil
		}
		if e.done == nil {
			e.done = make(chan struct{})
		}
		done := e.done
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
		}
	}
}

// Prune forgets terminal tasks completed before cutoff and returns how many
// were dropped. Stored records are left alone.
func (s *Scheduler) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, e := range s.tasks {
		t := e.task
		if t.Status.Terminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			n++
		}
	}
	return n
}
