package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristath/agentflow/internal/scheduler"
)

// TaskSource looks up a task by id.
type TaskSource interface {
	Get(id string) (*scheduler.Task, error)
}

// TaskObserver records the run time of tasks as they reach a terminal
// status. It is a scheduler.StatusListener.
type TaskObserver struct {
	tasks    TaskSource
	duration *prometheus.HistogramVec
}

// NewTaskObserver registers the task duration histogram on reg. A histogram
// already registered under the same name is reused.
func NewTaskObserver(reg prometheus.Registerer, tasks TaskSource) (*TaskObserver, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "task_duration_seconds",
		Help:      "Start-to-finish time of tasks that reached a terminal status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type", "status"})

	if err := reg.Register(duration); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, fmt.Errorf("register task duration histogram: %w", err)
		}
		existing, ok := are.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, fmt.Errorf("register task duration histogram: %w", err)
		}
		duration = existing
	}
	return &TaskObserver{tasks: tasks, duration: duration}, nil
}

// OnStatusChange implements scheduler.StatusListener.
func (o *TaskObserver) OnStatusChange(taskID string, status scheduler.Status, _ string) {
	if o == nil || !status.Terminal() {
		return
	}
	t, err := o.tasks.Get(taskID)
	if err != nil || t.StartedAt == nil || t.CompletedAt == nil {
		return
	}
	o.duration.WithLabelValues(t.Type, string(status)).Observe(t.CompletedAt.Sub(*t.StartedAt).Seconds())
}
