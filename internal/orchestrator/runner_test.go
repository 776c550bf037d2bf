package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentflow/internal/bus"
	"github.com/aristath/agentflow/internal/events"
	"github.com/aristath/agentflow/internal/persistence"
	"github.com/aristath/agentflow/internal/planner"
	"github.com/aristath/agentflow/internal/priority"
	"github.com/aristath/agentflow/internal/scheduler"
)

// tracker records the order in which subtasks ran.
type tracker struct {
	mu    sync.Mutex
	order []string
	fail  map[string]bool
}

func (tr *tracker) handle(ctx context.Context, task scheduler.Task) (json.RawMessage, error) {
	sub := task.Metadata["subtask"]
	tr.mu.Lock()
	tr.order = append(tr.order, sub)
	fail := tr.fail[sub]
	tr.mu.Unlock()

	time.Sleep(10 * time.Millisecond)
	if fail {
		return nil, errors.New("boom")
	}
	return json.Marshal(sub)
}

func (tr *tracker) ran() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.order...)
}

func newTestScheduler(t *testing.T, tr *tracker) *scheduler.Scheduler {
	t.Helper()
	ctx := context.Background()

	store, err := persistence.NewMemoryStore(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sched := scheduler.New(store, scheduler.Config{
		Workers:          4,
		WatchdogInterval: time.Hour,
		Retry: scheduler.RetryPolicy{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2,
		},
	})
	sched.RegisterHandler("work", tr.handle)
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(sched.Stop)
	return sched
}

func diamond() Request {
	return Request{
		Name: "diamond",
		Subtasks: []SubtaskSpec{
			{ID: "a", Type: "work"},
			{ID: "b", Type: "work", Dependencies: []string{"a"}},
			{ID: "c", Type: "work", Dependencies: []string{"a"}},
			{ID: "d", Type: "work", Dependencies: []string{"b", "c"}},
		},
	}
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

func TestRunnerRunsPhasesInOrder(t *testing.T) {
	tr := &tracker{}
	runner := NewRunner(RunnerConfig{Scheduler: newTestScheduler(t, tr)})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := runner.Run(ctx, diamond())
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, 3, report.Phases)
	assert.Empty(t, report.Warning)
	require.Len(t, report.Results, 4)
	for _, res := range report.Results {
		assert.Equal(t, scheduler.StatusCompleted, res.Status, res.ID)
		assert.NotEmpty(t, res.TaskID)
	}

	d, ok := report.Result("d")
	require.True(t, ok)
	assert.Equal(t, 2, d.Phase)
	assert.JSONEq(t, `"d"`, string(d.Result))

	order := tr.ran()
	require.Len(t, order, 4)
	assert.Equal(t, "a", order[0])
	assert.Equal(t, "d", order[3])
	assert.Less(t, indexOf(order, "b"), indexOf(order, "d"))
	assert.Less(t, indexOf(order, "c"), indexOf(order, "d"))
}

func TestRunnerStopsAfterFailedPhase(t *testing.T) {
	tr := &tracker{fail: map[string]bool{"b": true}}
	runner := NewRunner(RunnerConfig{Scheduler: newTestScheduler(t, tr)})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := runner.Run(ctx, diamond())
	require.ErrorIs(t, err, ErrPhaseFailed)
	require.NotNil(t, report)

	b, _ := report.Result("b")
	assert.Equal(t, scheduler.StatusFailed, b.Status)
	assert.Equal(t, "boom", b.Error)

	c, _ := report.Result("c")
	assert.Equal(t, scheduler.StatusCompleted, c.Status)

	d, ok := report.Result("d")
	require.True(t, ok)
	assert.Empty(t, d.TaskID)
	assert.Empty(t, d.Status)
	assert.NotContains(t, tr.ran(), "d")
}

func TestRunnerLinksDependencies(t *testing.T) {
	tr := &tracker{}
	sched := newTestScheduler(t, tr)
	runner := NewRunner(RunnerConfig{Scheduler: sched})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := runner.Run(ctx, diamond())
	require.NoError(t, err)

	a, _ := report.Result("a")
	b, _ := report.Result("b")
	task, err := sched.Get(b.TaskID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.TaskID}, task.Dependencies)
	assert.Equal(t, "diamond", task.Metadata["plan"])
	assert.Equal(t, "b", task.Name)
	assert.Equal(t, priority.Normal, task.Priority)
}

func TestRunnerCycleWarns(t *testing.T) {
	tr := &tracker{}
	runner := NewRunner(RunnerConfig{Scheduler: newTestScheduler(t, tr)})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := runner.Run(ctx, Request{
		Name: "loop",
		Subtasks: []SubtaskSpec{
			{ID: "x", Type: "work", Dependencies: []string{"y"}},
			{ID: "y", Type: "work", Dependencies: []string{"x"}},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, report.Warning)
	assert.True(t, report.Plan.HasCycle())
	assert.Len(t, tr.ran(), 2)
}

func TestRunnerPublishesPhaseEvents(t *testing.T) {
	tr := &tracker{}
	eventBus := events.NewEventBus()
	defer eventBus.Close()
	planEvents := eventBus.Subscribe(events.TopicPlan, 32)

	runner := NewRunner(RunnerConfig{Scheduler: newTestScheduler(t, tr), Events: eventBus})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := runner.Run(ctx, diamond())
	require.NoError(t, err)

	var got []events.PlanPhaseEvent
	for len(got) < 6 {
		select {
		case ev := <-planEvents:
			got = append(got, ev.(events.PlanPhaseEvent))
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d phase events, want 6", len(got))
		}
	}

	assert.False(t, got[0].Done)
	assert.Equal(t, []string{"a"}, got[0].Subtasks)
	assert.True(t, got[1].Done)
	assert.False(t, got[1].Failed)
	assert.Equal(t, 1, got[2].Phase)
	assert.Equal(t, []string{"b", "c"}, got[2].Subtasks)
	assert.Equal(t, 3, got[5].Phases)
}

func TestRunnerSendsAssignments(t *testing.T) {
	tr := &tracker{}
	msgBus, err := bus.New(bus.Config{})
	require.NoError(t, err)
	_, err = msgBus.Register("worker-1")
	require.NoError(t, err)

	runner := NewRunner(RunnerConfig{Scheduler: newTestScheduler(t, tr), Bus: msgBus, Sender: "planner"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := runner.Run(ctx, Request{
		Name: "assign",
		Subtasks: []SubtaskSpec{
			{ID: "a", Type: "work", Agent: "worker-1", Payload: json.RawMessage(`{"n":1}`)},
			{ID: "b", Type: "work", Agent: "nobody"},
		},
	})
	require.NoError(t, err)

	msg, err := msgBus.Receive(ctx, "worker-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, bus.TypeTaskAssignment, msg.Type)
	assert.Equal(t, "planner", msg.Sender)

	var assignment bus.TaskAssignment
	require.NoError(t, json.Unmarshal(msg.Content, &assignment))
	a, _ := report.Result("a")
	assert.Equal(t, a.TaskID, assignment.TaskID)
	assert.JSONEq(t, `{"n":1}`, string(assignment.Data))
}

func TestRunnerRejectsInvalidRequests(t *testing.T) {
	runner := NewRunner(RunnerConfig{Scheduler: newTestScheduler(t, &tracker{})})
	ctx := context.Background()

	_, err := runner.Run(ctx, Request{Subtasks: []SubtaskSpec{{ID: "a"}}})
	assert.ErrorContains(t, err, "type is required")

	_, err = runner.Run(ctx, Request{Subtasks: []SubtaskSpec{{ID: "a", Type: "work", Dependencies: []string{"zzz"}}}})
	assert.ErrorIs(t, err, planner.ErrUnknownDependency)

	_, err = runner.Run(ctx, Request{Subtasks: []SubtaskSpec{{ID: "a", Type: "work"}, {ID: "a", Type: "work"}}})
	assert.ErrorIs(t, err, planner.ErrDuplicateSubtask)
}

func TestRequestJSON(t *testing.T) {
	var req Request
	err := json.Unmarshal([]byte(`{
		"name": "build",
		"subtasks": [
			{"id": "a", "type": "exec", "priority": "high", "timeout": "2s", "max_retries": 1},
			{"id": "b", "type": "exec", "dependencies": ["a"]}
		]
	}`), &req)
	require.NoError(t, err)

	require.Len(t, req.Subtasks, 2)
	a := req.Subtasks[0]
	assert.Equal(t, priority.High, a.priority())
	assert.Equal(t, 2*time.Second, a.Timeout.Duration)
	require.NotNil(t, a.MaxRetries)
	assert.Equal(t, 1, *a.MaxRetries)
	assert.Equal(t, priority.Normal, req.Subtasks[1].priority())
}
