package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aristath/agentflow/internal/bus"
	"github.com/aristath/agentflow/internal/logging"
	"github.com/aristath/agentflow/internal/priority"
	"github.com/aristath/agentflow/internal/scheduler"
)

// LifecycleTopic is the bus topic on which task status updates are broadcast.
const LifecycleTopic = "task.lifecycle"

// TaskSource is the read side of the scheduler the notifier needs.
type TaskSource interface {
	Get(id string) (*scheduler.Task, error)
	Stats() scheduler.Stats
}

// Notifier turns scheduler transitions into events on an EventBus and, when
// a message bus is set, into status_update broadcasts on LifecycleTopic.
type Notifier struct {
	events *EventBus
	bus    *bus.Bus
	tasks  TaskSource
	sender string
	log    logrus.FieldLogger
}

// NewNotifier creates a notifier. msgBus may be nil.
func NewNotifier(eventBus *EventBus, msgBus *bus.Bus, tasks TaskSource, logger logrus.FieldLogger) *Notifier {
	return &Notifier{
		events: eventBus,
		bus:    msgBus,
		tasks:  tasks,
		sender: "scheduler",
		log:    logging.Component(logger, "notifier"),
	}
}

var (
	_ scheduler.StatusListener   = (*Notifier)(nil)
	_ scheduler.CreationListener = (*Notifier)(nil)
)

// OnTaskCreated publishes a TaskCreatedEvent.
func (n *Notifier) OnTaskCreated(task scheduler.Task) {
	n.events.Publish(TopicTask, TaskCreatedEvent{
		ID:        task.ID,
		Name:      task.Name,
		Type:      task.Type,
		Priority:  task.Priority.String(),
		Timestamp: time.Now(),
	})
}

// OnStatusChange publishes a TaskStatusEvent and a ProgressEvent, then
// broadcasts the change on the message bus.
func (n *Notifier) OnStatusChange(taskID string, status scheduler.Status, errMsg string) {
	now := time.Now()
	ev := TaskStatusEvent{
		ID:        taskID,
		Status:    string(status),
		Err:       errMsg,
		Timestamp: now,
	}
	if task, err := n.tasks.Get(taskID); err == nil {
		ev.Name = task.Name
		ev.Type = task.Type
		ev.RetryCount = task.RetryCount
		if task.StartedAt != nil {
			end := now
			if task.CompletedAt != nil {
				end = *task.CompletedAt
			}
			ev.Duration = end.Sub(*task.StartedAt)
		}
	}
	n.events.Publish(TopicTask, ev)
	n.events.Publish(TopicPlan, progressFrom(n.tasks.Stats(), now))

	if n.bus == nil {
		return
	}
	details := map[string]string{"task_id": taskID, "type": ev.Type}
	if errMsg != "" {
		details["error"] = errMsg
	}
	content, err := json.Marshal(bus.StatusUpdate{Status: string(status), Details: details, Timestamp: now})
	if err != nil {
		n.log.WithError(err).Warn("failed to encode status update")
		return
	}
	_, err = n.bus.Broadcast(context.Background(), bus.BroadcastOptions{
		Sender:   n.sender,
		Type:     bus.TypeStatusUpdate,
		Content:  content,
		Priority: priority.Normal,
		Metadata: map[string]string{"task_id": taskID},
		Topic:    LifecycleTopic,
	})
	if err != nil {
		n.log.WithError(err).WithField("task_id", taskID).Warn("failed to broadcast status update")
	}
}

func progressFrom(st scheduler.Stats, now time.Time) ProgressEvent {
	d := st.Distribution
	return ProgressEvent{
		Total:     st.Total,
		Completed: d[scheduler.StatusCompleted],
		Running:   d[scheduler.StatusExecuting],
		Failed:    d[scheduler.StatusFailed],
		Pending:   d[scheduler.StatusPending],
		Cancelled: d[scheduler.StatusCancelled],
		Paused:    d[scheduler.StatusPaused],
		Timestamp: now,
	}
}
