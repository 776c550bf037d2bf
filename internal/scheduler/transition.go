package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
)

const persistTimeout = 5 * time.Second

// persistLocked writes a snapshot of t. It outlives cancellation of ctx so a
// shutdown never leaves memory ahead of the store.
func (s *Scheduler) persistLocked(ctx context.Context, t *Task) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return s.store.Upsert(ctx, t.Clone())
}

// setStatusLocked moves e to status to, persists the record and returns the
// note to emit. On a store error the record is restored and a
// *PersistenceError is returned. Legality is checked by the caller.
func (s *Scheduler) setStatusLocked(ctx context.Context, e *entry, to Status, errMsg string, result json.RawMessage) (note, error) {
	prev := e.task.Clone()
	t := e.task
	now := time.Now()

	t.Status = to
	switch to {
	case StatusExecuting:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case StatusCompleted:
		t.Result = result
		t.Error = ""
		t.CompletedAt = &now
	case StatusFailed:
		t.Error = errMsg
		t.Result = nil
		t.CompletedAt = &now
	case StatusCancelled:
		t.CompletedAt = &now
	case StatusPending:
		t.Error = ""
		t.Result = nil
		t.CompletedAt = nil
	}

	if err := s.persistLocked(ctx, t); err != nil {
		e.task = prev
		s.log.WithFields(logrus.Fields{
			"task_id": t.ID,
			"from":    prev.Status,
			"to":      to,
		}).WithError(err).Error("failed to persist status change")
		return note{}, &PersistenceError{TaskID: t.ID, Op: "set status " + string(to), Err: err}
	}

	if (prev.Status == StatusExecuting || prev.Status == StatusPaused) && to != StatusExecuting && to != StatusPaused {
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
		e.held = nil
	}

	switch to {
	case StatusCompleted:
		s.counts.completed++
	case StatusFailed:
		s.counts.failed++
	case StatusCancelled:
		s.counts.cancelled++
	}

	return note{id: t.ID, status: to, errMsg: t.Error}, nil
}

// settleLocked releases Wait callers once e rests in a terminal status.
func (s *Scheduler) settleLocked(e *entry) {
	if !e.task.Status.Terminal() || e.done == nil {
		return
	}
	close(e.done)
	e.done = nil
}

// failLocked records a failure and, when retryable and budget remains, puts
// the task back to pending and schedules a delayed re-enqueue.
func (s *Scheduler) failLocked(ctx context.Context, e *entry, reason string, retryable bool) ([]note, error) {
	n, err := s.setStatusLocked(ctx, e, StatusFailed, reason, nil)
	if err != nil {
		return nil, err
	}
	notes := []note{n}
	t := e.task
	log := s.log.WithFields(logrus.Fields{
		"task_id":     t.ID,
		"type":        t.Type,
		"retry_count": t.RetryCount,
		"max_retries": t.MaxRetries,
	})

	if !retryable || t.RetryCount >= t.MaxRetries {
		log.WithField("error", reason).Warn("task failed")
		s.settleLocked(e)
		return notes, nil
	}

	t.RetryCount++
	n, err = s.setStatusLocked(ctx, e, StatusPending, "", nil)
	if err != nil {
		// The failure itself is durable, the task simply stays failed.
		e.task.RetryCount--
		s.settleLocked(e)
		return notes, err
	}
	notes = append(notes, n)
	s.counts.retried++

	delay := s.cfg.Retry.Delay(t.RetryCount)
	log.WithFields(logrus.Fields{
		"error": reason,
		"delay": delay.String(),
	}).Warn("task failed, retrying")
	s.requeueAfter(t.ID, t.Priority, delay)
	return notes, nil
}
