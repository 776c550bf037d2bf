package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask = "task"
	TopicPlan = "plan"
)

// Event type constants
const (
	EventTypeTaskCreated = "task.created"
	EventTypeTaskStatus  = "task.status"
	EventTypeTaskOutput  = "task.output"
	EventTypePlanPhase   = "plan.phase"
	EventTypeProgress    = "plan.progress"
)

// TaskCreatedEvent is published when a task enters the scheduler.
type TaskCreatedEvent struct {
	ID        string
	Name      string
	Type      string
	Priority  string
	Timestamp time.Time
}

func (e TaskCreatedEvent) EventType() string { return EventTypeTaskCreated }
func (e TaskCreatedEvent) TaskID() string    { return e.ID }

// TaskStatusEvent is published after every persisted status change.
type TaskStatusEvent struct {
	ID         string
	Name       string
	Type       string
	Status     string
	Err        string
	RetryCount int
	Duration   time.Duration // Time since start, zero before the task first ran
	Timestamp  time.Time
}

func (e TaskStatusEvent) EventType() string { return EventTypeTaskStatus }
func (e TaskStatusEvent) TaskID() string    { return e.ID }

// Terminal reports whether the status is completed, failed or cancelled.
func (e TaskStatusEvent) Terminal() bool {
	return e.Status == "completed" || e.Status == "failed" || e.Status == "cancelled"
}

// TaskOutputEvent carries one line of output produced by a running task.
type TaskOutputEvent struct {
	ID        string
	Line      string
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// PlanPhaseEvent is published when a plan phase is submitted or finishes.
type PlanPhaseEvent struct {
	Plan      string
	Phase     int // Zero-based
	Phases    int
	Subtasks  []string
	Done      bool
	Failed    bool
	Timestamp time.Time
}

func (e PlanPhaseEvent) EventType() string { return EventTypePlanPhase }
func (e PlanPhaseEvent) TaskID() string    { return "" }

// ProgressEvent summarises scheduler state after a change.
type ProgressEvent struct {
	Total     int
	Completed int
	Running   int
	Failed    int
	Pending   int
	Cancelled int
	Paused    int
	Timestamp time.Time
}

func (e ProgressEvent) EventType() string { return EventTypeProgress }
func (e ProgressEvent) TaskID() string    { return "" }
