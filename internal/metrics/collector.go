// Package metrics exports scheduler and bus activity to Prometheus.
package metrics

import (
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/aristath/agentflow/internal/bus"
	"github.com/aristath/agentflow/internal/scheduler"
)

const namespace = "agentflow"

// SchedulerSource provides scheduler statistics.
type SchedulerSource interface {
	Stats() scheduler.Stats
}

// BusSource provides communication bus statistics.
type BusSource interface {
	Stats() bus.Stats
}

// DropSource reports events dropped by a non-blocking publisher.
type DropSource interface {
	Dropped() int64
}

// Collector reads statistics at scrape time. Any source may be nil.
type Collector struct {
	sched  SchedulerSource
	bus    BusSource
	events DropSource

	tasksCreated  *prometheus.Desc
	tasksFinished *prometheus.Desc
	tasksRetried  *prometheus.Desc
	tasksByStatus *prometheus.Desc
	tasksByType   *prometheus.Desc
	queueDepth    *prometheus.Desc
	avgLatency    *prometheus.Desc
	breakerState  *prometheus.Desc
	messages      *prometheus.Desc
	activeAgents  *prometheus.Desc
	historySize   *prometheus.Desc
	topicSubs     *prometheus.Desc
	eventsDropped *prometheus.Desc
}

// NewCollector creates a collector over the given sources.
func NewCollector(sched SchedulerSource, msgBus BusSource, events DropSource) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		sched:  sched,
		bus:    msgBus,
		events: events,

		tasksCreated:  desc("scheduler", "tasks_created_total", "Tasks created or recovered since start."),
		tasksFinished: desc("scheduler", "task_transitions_total", "Transitions into a terminal status.", "status"),
		tasksRetried:  desc("scheduler", "task_retries_total", "Failed tasks returned to pending."),
		tasksByStatus: desc("scheduler", "tasks", "Known tasks by current status.", "status"),
		tasksByType:   desc("scheduler", "tasks_by_type", "Known tasks by type.", "type"),
		queueDepth:    desc("scheduler", "queue_depth", "Task ids waiting in the ready queue."),
		avgLatency:    desc("scheduler", "average_latency_seconds", "Mean start-to-completion time of completed tasks."),
		breakerState:  desc("scheduler", "breaker_state", "Circuit breaker state per task type (0 closed, 1 half-open, 2 open).", "type"),
		messages:      desc("bus", "messages_total", "Messages by outcome.", "outcome"),
		activeAgents:  desc("bus", "active_agents", "Registered mailboxes."),
		historySize:   desc("bus", "history_size", "Messages held in history."),
		topicSubs:     desc("bus", "topic_subscribers", "Subscribers per topic.", "topic"),
		eventsDropped: desc("events", "dropped_total", "Events dropped because a subscriber was full."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.tasksCreated, c.tasksFinished, c.tasksRetried, c.tasksByStatus, c.tasksByType,
		c.queueDepth, c.avgLatency, c.breakerState, c.messages, c.activeAgents,
		c.historySize, c.topicSubs, c.eventsDropped,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sched != nil {
		c.collectScheduler(ch, c.sched.Stats())
	}
	if c.bus != nil {
		c.collectBus(ch, c.bus.Stats())
	}
	if c.events != nil {
		ch <- prometheus.MustNewConstMetric(c.eventsDropped, prometheus.CounterValue, float64(c.events.Dropped()))
	}
}

func (c *Collector) collectScheduler(ch chan<- prometheus.Metric, st scheduler.Stats) {
	ch <- prometheus.MustNewConstMetric(c.tasksCreated, prometheus.CounterValue, float64(st.Total))
	ch <- prometheus.MustNewConstMetric(c.tasksFinished, prometheus.CounterValue, float64(st.Completed), string(scheduler.StatusCompleted))
	ch <- prometheus.MustNewConstMetric(c.tasksFinished, prometheus.CounterValue, float64(st.Failed), string(scheduler.StatusFailed))
	ch <- prometheus.MustNewConstMetric(c.tasksFinished, prometheus.CounterValue, float64(st.Cancelled), string(scheduler.StatusCancelled))
	ch <- prometheus.MustNewConstMetric(c.tasksRetried, prometheus.CounterValue, float64(st.Retried))
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(st.Queued))
	ch <- prometheus.MustNewConstMetric(c.avgLatency, prometheus.GaugeValue, st.AverageLatency.Seconds())

	for status, n := range st.Distribution {
		ch <- prometheus.MustNewConstMetric(c.tasksByStatus, prometheus.GaugeValue, float64(n), string(status))
	}
	for typ, n := range st.ByType {
		ch <- prometheus.MustNewConstMetric(c.tasksByType, prometheus.GaugeValue, float64(n), typ)
	}
	for typ, state := range st.Breakers {
		ch <- prometheus.MustNewConstMetric(c.breakerState, prometheus.GaugeValue, breakerValue(state), typ)
	}
}

func (c *Collector) collectBus(ch chan<- prometheus.Metric, st bus.Stats) {
	ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue, float64(st.Sent), "sent")
	ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue, float64(st.Received), "received")
	ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue, float64(st.Failed), "failed")
	ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue, float64(st.Expired), "expired")
	ch <- prometheus.MustNewConstMetric(c.activeAgents, prometheus.GaugeValue, float64(st.ActiveAgents))
	ch <- prometheus.MustNewConstMetric(c.historySize, prometheus.GaugeValue, float64(st.HistorySize))

	topics := make([]string, 0, len(st.Topics))
	for topic := range st.Topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		ch <- prometheus.MustNewConstMetric(c.topicSubs, prometheus.GaugeValue, float64(st.Topics[topic]), topic)
	}
}

func breakerValue(state string) float64 {
	switch state {
	case gobreaker.StateClosed.String():
		return 0
	case gobreaker.StateHalfOpen.String():
		return 1
	case gobreaker.StateOpen.String():
		return 2
	}
	return -1
}

// Register adds c to reg.
func Register(reg prometheus.Registerer, c *Collector) error {
	if err := reg.Register(c); err != nil {
		return fmt.Errorf("register collector: %w", err)
	}
	return nil
}
