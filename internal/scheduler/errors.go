package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned for ids the scheduler does not know.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrHandlerNotFound fails a task whose type has no registered handler. It is never retried.
	ErrHandlerNotFound = errors.New("no handler registered for task type")
	// ErrTimedOut marks tasks failed by a timeout.
	ErrTimedOut = errors.New("timed out")
	// ErrStopped is returned by operations on a stopped scheduler.
	ErrStopped = errors.New("scheduler stopped")
)

// Failure reasons recorded in Task.Error for timeouts.
const (
	ReasonQueueTimeout     = "timed out"
	ReasonExecutionTimeout = "execution timed out"
)

// PersistenceError reports a store write that failed. The in-memory record
// has been restored to its previous state when this is returned.
type PersistenceError struct {
	TaskID string
	Op     string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist task %s (%s): %v", e.TaskID, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func invalidTransition(id string, from, to Status) error {
	return fmt.Errorf("task %s: %s -> %s: %w", id, from, to, ErrInvalidTransition)
}
