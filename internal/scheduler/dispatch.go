package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aristath/agentflow/internal/priority"
)

// dispatch is one handler invocation handed to a worker.
type dispatch struct {
	task    *Task
	attempt uint64
	ctx     context.Context
	handler Handler
}

// dispatchLoop takes a worker slot, then pops the most urgent ready task.
// Taking the slot first keeps a task from being popped early and then
// overtaken by a more urgent one while it waits for a worker.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	for {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			return
		}
		id, err := s.queue.pop(ctx)
		if err != nil {
			s.slots.Release(1)
			return
		}

		d := s.begin(ctx, id)
		if d == nil {
			s.slots.Release(1)
			continue
		}

		s.group.Go(func() error {
			defer s.slots.Release(1)
			s.execute(ctx, d)
			return nil
		})
	}
}

// begin moves a dequeued task to executing. It returns nil when the task is
// no longer pending, timed out in the queue or has no handler.
func (s *Scheduler) begin(ctx context.Context, id string) *dispatch {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok || e.task.Status != StatusPending {
		s.mu.Unlock()
		return nil
	}
	t := e.task

	// Timeouts count as ordinary failures, so a retry budget applies here too.
	if t.Timeout > 0 && time.Now().After(t.CreatedAt.Add(t.Timeout)) {
		notes, err := s.failLocked(ctx, e, ReasonQueueTimeout, true)
		s.mu.Unlock()
		if err != nil {
			s.requeueAfter(id, t.Priority, s.cfg.Retry.Delay(1))
		}
		s.emit(notes)
		return nil
	}

	n, err := s.setStatusLocked(ctx, e, StatusExecuting, "", nil)
	if err != nil {
		s.mu.Unlock()
		// Still pending in memory and in the store. Try again later.
		s.requeueAfter(id, t.Priority, s.cfg.Retry.Delay(1))
		return nil
	}
	notes := []note{n}

	handler, ok := s.handlers[t.Type]
	if !ok {
		more, _ := s.failLocked(ctx, e, fmt.Errorf("%w: %q", ErrHandlerNotFound, t.Type).Error(), false)
		s.mu.Unlock()
		s.emit(append(notes, more...))
		return nil
	}

	e.attempt++
	hctx, cancel := context.WithCancel(ctx)
	if deadline, ok := t.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		hctx, cancelDeadline = context.WithDeadline(hctx, deadline)
		inner := cancel
		cancel = func() {
			cancelDeadline()
			inner()
		}
	}
	e.cancel = cancel

	d := &dispatch{
		task:    t.Clone(),
		attempt: e.attempt,
		ctx:     hctx,
		handler: handler,
	}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"task_id": id,
		"type":    d.task.Type,
		"attempt": d.task.RetryCount + 1,
	}).Debug("task dispatched")
	s.emit(notes)
	return d
}

// execute runs the handler through the task type's circuit breaker and
// records the outcome.
func (s *Scheduler) execute(ctx context.Context, d *dispatch) {
	cb := s.breakers.get(d.task.Type)
	out, err := cb.Execute(func() (interface{}, error) {
		return s.invoke(d)
	})

	var result json.RawMessage
	if err == nil {
		result, _ = out.(json.RawMessage)
	} else if isBreakerRejection(err) {
		err = fmt.Errorf("task type %q: %w", d.task.Type, err)
	}
	s.finish(ctx, d, result, err)
}

// invoke calls the handler, turning a panic into an error.
func (s *Scheduler) invoke(d *dispatch) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return d.handler(d.ctx, *d.task)
}

// finish applies a handler outcome unless the task moved on in the meantime.
func (s *Scheduler) finish(ctx context.Context, d *dispatch, result json.RawMessage, err error) {
	s.mu.Lock()
	e, ok := s.tasks[d.task.ID]
	if !ok || e.attempt != d.attempt {
		s.mu.Unlock()
		return
	}

	// Shutting down: leave the task executing so recovery dispatches it again.
	if err != nil && ctx.Err() != nil {
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
		s.mu.Unlock()
		return
	}

	switch e.task.Status {
	case StatusPaused:
		e.held = &outcome{result: result, err: err}
		s.mu.Unlock()
		return
	case StatusExecuting:
	default:
		// Cancelled or failed by the watchdog while running.
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{
			"task_id": d.task.ID,
			"status":  e.task.Status,
		}).Debug("discarding handler outcome")
		return
	}

	notes, perr := s.applyOutcomeLocked(ctx, e, result, err)
	s.mu.Unlock()
	if perr != nil {
		s.log.WithField("task_id", d.task.ID).WithError(perr).Error("failed to record handler outcome")
	}
	s.emit(notes)
}

// applyOutcomeLocked records a handler outcome on an executing task.
func (s *Scheduler) applyOutcomeLocked(ctx context.Context, e *entry, result json.RawMessage, err error) ([]note, error) {
	if err == nil {
		n, perr := s.setStatusLocked(ctx, e, StatusCompleted, "", result)
		if perr != nil {
			return nil, perr
		}
		s.settleLocked(e)
		s.log.WithField("task_id", e.task.ID).Info("task completed")
		return []note{n}, nil
	}

	reason := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		reason = ReasonExecutionTimeout
	}
	return s.failLocked(ctx, e, reason, !errors.Is(err, ErrHandlerNotFound))
}

// requeueAfter pushes id back on the queue once delay has passed, unless the
// scheduler stops first.
func (s *Scheduler) requeueAfter(id string, p priority.Priority, delay time.Duration) {
	ctx, group, ok := s.running()
	if !ok {
		return
	}
	group.Go(func() error {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			s.queue.push(id, p)
		}
		return nil
	})
}
