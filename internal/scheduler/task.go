package scheduler

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/aristath/agentflow/internal/priority"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"   // Queued, waiting for a worker
	StatusExecuting Status = "executing" // Handler running
	StatusCompleted Status = "completed" // Finished successfully
	StatusFailed    Status = "failed"    // Finished with error
	StatusCancelled Status = "cancelled" // Stopped on request
	StatusPaused    Status = "paused"    // Outcome held until resumed
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusExecuting,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
	StatusPaused,
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	return st, slices.Contains(AllStatuses, st)
}

// Terminal reports whether no further transition happens without an explicit retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether the task still holds a place in the scheduler.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusExecuting || s == StatusPaused
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusExecuting, StatusCancelled, StatusFailed},
	StatusExecuting: {StatusCompleted, StatusFailed, StatusCancelled, StatusPaused},
	StatusPaused:    {StatusExecuting, StatusCancelled, StatusFailed},
}

// CanTransition reports whether from -> to is a legal move.
// Leaving failed is only possible through Retry and is not listed here.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Task is a unit of work tracked by the scheduler.
type Task struct {
	ID           string
	Type         string // Handler key
	Name         string
	Priority     priority.Priority
	Status       Status
	CreatedAt    time.Time
	StartedAt    *time.Time // Set the first time the task enters executing
	CompletedAt  *time.Time // Set on entering a terminal status
	RetryCount   int
	MaxRetries   int
	Timeout      time.Duration // Zero means no timeout
	Payload      json.RawMessage
	Result       json.RawMessage // Only when completed
	Error        string          // Only when failed
	Dependencies []string
	Metadata     map[string]string
}

// Clone returns a deep copy that callers may keep and modify.
func (t *Task) Clone() *Task {
	c := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	c.Payload = slices.Clone(t.Payload)
	c.Result = slices.Clone(t.Result)
	c.Dependencies = slices.Clone(t.Dependencies)
	c.Metadata = maps.Clone(t.Metadata)
	return &c
}

// Deadline returns the instant after which the task counts as timed out,
// measured from start. The second result is false when the task has no
// timeout or has not started.
func (t *Task) Deadline() (time.Time, bool) {
	if t.Timeout <= 0 || t.StartedAt == nil {
		return time.Time{}, false
	}
	return t.StartedAt.Add(t.Timeout), true
}

// CreateOptions describes a task to create.
type CreateOptions struct {
	Type         string
	Name         string
	Priority     priority.Priority // Unset means Normal
	Timeout      time.Duration     // Zero uses the scheduler default
	MaxRetries   *int              // Nil uses the scheduler default
	Payload      json.RawMessage
	Metadata     map[string]string
	Dependencies []string
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status Status
	Type   string
	Limit  int
}
