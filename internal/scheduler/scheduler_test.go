package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentflow/internal/priority"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusExecuting, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusPaused, false},
		{StatusExecuting, StatusCompleted, true},
		{StatusExecuting, StatusPaused, true},
		{StatusPaused, StatusExecuting, true},
		{StatusPaused, StatusCancelled, true},
		{StatusFailed, StatusPending, false},
		{StatusCompleted, StatusPending, false},
		{StatusCancelled, StatusExecuting, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCreatePersistsPendingTask(t *testing.T) {
	s, store := newTestScheduler(t, testConfig())
	ctx := context.Background()

	id, err := s.Create(ctx, CreateOptions{
		Type:       "echo",
		Priority:   priority.High,
		Timeout:    time.Minute,
		MaxRetries: intPtr(2),
		Payload:    json.RawMessage(`{"x":1}`),
		Metadata:   map[string]string{"owner": "planner"},
	})
	require.NoError(t, err)

	task, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, "echo", task.Name)
	assert.Nil(t, task.StartedAt)
	assert.Nil(t, task.CompletedAt)
	assert.Equal(t, 2, task.MaxRetries)
	assert.Equal(t, "planner", task.Metadata["owner"])

	stored := store.get(id)
	require.NotNil(t, stored)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, 1, s.queue.len())
}

func TestCreateStoreFailureKeepsNothing(t *testing.T) {
	s, store := newTestScheduler(t, testConfig())
	store.setFail(true)

	_, err := s.Create(context.Background(), CreateOptions{Type: "echo", Priority: priority.Normal})
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "create", perr.Op)
	assert.ErrorIs(t, err, errStoreDown)

	assert.Empty(t, s.List(ListFilter{}))
	assert.Equal(t, 0, s.queue.len())
}

func TestCreateDefaultsToNormalPriority(t *testing.T) {
	s, store := newTestScheduler(t, testConfig())

	id, err := s.Create(context.Background(), CreateOptions{Type: "echo"})
	require.NoError(t, err)

	task, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, priority.Normal, task.Priority)
	assert.Equal(t, priority.Normal, store.get(id).Priority)
}

func TestCreateValidation(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	ctx := context.Background()

	_, err := s.Create(ctx, CreateOptions{Priority: priority.Normal})
	assert.Error(t, err)

	_, err = s.Create(ctx, CreateOptions{Type: "echo", Priority: priority.Priority(42)})
	assert.Error(t, err)

	_, err = s.Create(ctx, CreateOptions{Type: "echo", MaxRetries: intPtr(-1)})
	assert.Error(t, err)
}

func TestUpdateStatusErrorsAreDistinct(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	ctx := context.Background()

	err := s.UpdateStatus(ctx, "missing", StatusExecuting, "")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.NotErrorIs(t, err, ErrInvalidTransition)

	id, err := s.Create(ctx, CreateOptions{Type: "echo", Priority: priority.Normal})
	require.NoError(t, err)

	err = s.UpdateStatus(ctx, id, StatusCompleted, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NotErrorIs(t, err, ErrTaskNotFound)

	st, err := s.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)
}

func TestUpdateStatusTimestamps(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	ctx := context.Background()

	id, err := s.Create(ctx, CreateOptions{Type: "manual", Priority: priority.Normal})
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus(ctx, id, StatusExecuting, ""))
	task, _ := s.Get(id)
	require.NotNil(t, task.StartedAt)
	firstStart := *task.StartedAt

	require.NoError(t, s.Pause(ctx, id))
	require.NoError(t, s.Resume(ctx, id))
	task, _ = s.Get(id)
	assert.Equal(t, firstStart, *task.StartedAt, "started_at is recorded once")
	assert.Nil(t, task.CompletedAt)

	require.NoError(t, s.UpdateStatus(ctx, id, StatusFailed, "boom"))
	task, _ = s.Get(id)
	require.NotNil(t, task.CompletedAt)
	assert.Equal(t, "boom", task.Error)
	assert.Equal(t, 1, s.Stats().Failed)
}

func TestPersistenceErrorRollsBack(t *testing.T) {
	s, store := newTestScheduler(t, testConfig())
	ctx := context.Background()

	id, err := s.Create(ctx, CreateOptions{Type: "echo", Priority: priority.Normal})
	require.NoError(t, err)

	rec := &recorder{}
	s.AddListener(rec)

	store.setFail(true)
	err = s.Cancel(ctx, id)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, id, perr.TaskID)

	task, _ := s.Get(id)
	assert.Equal(t, StatusPending, task.Status)
	assert.Nil(t, task.CompletedAt)
	assert.Empty(t, rec.statuses(id), "listeners only see persisted transitions")
	assert.Equal(t, 0, s.Stats().Cancelled)

	store.setFail(false)
	require.NoError(t, s.Cancel(ctx, id))
	assert.Equal(t, StatusCancelled, store.get(id).Status)
}

func TestCancelIsIdempotent(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	ctx := context.Background()

	id, err := s.Create(ctx, CreateOptions{Type: "echo", Priority: priority.Normal})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, id))
	require.NoError(t, s.Cancel(ctx, id))

	task, _ := s.Get(id)
	assert.Equal(t, StatusCancelled, task.Status)
	assert.Nil(t, task.StartedAt)
	assert.Equal(t, 1, s.Stats().Cancelled)

	assert.ErrorIs(t, s.Cancel(ctx, "missing"), ErrTaskNotFound)
}

func TestCancelledPendingTaskIsNeverDispatched(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	ctx := context.Background()

	var calls atomic.Int32
	s.RegisterHandler("echo", func(ctx context.Context, task Task) (json.RawMessage, error) {
		calls.Add(1)
		return task.Payload, nil
	})

	cancelled, err := s.Create(ctx, CreateOptions{Type: "echo", Priority: priority.Normal})
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, cancelled))

	other, err := s.Create(ctx, CreateOptions{Type: "echo", Priority: priority.Low})
	require.NoError(t, err)

	start(t, s)
	assert.Equal(t, StatusCompleted, waitTerminal(t, s, other).Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHandlerResultIsRecorded(t *testing.T) {
	s, store := newTestScheduler(t, testConfig())
	ctx := context.Background()

	s.RegisterHandler("echo", func(ctx context.Context, task Task) (json.RawMessage, error) {
		return task.Payload, nil
	})
	start(t, s)

	id, err := s.Create(ctx, CreateOptions{Type: "echo", Priority: priority.Normal, Payload: json.RawMessage(`{"ok":true}`)})
	require.NoError(t, err)

	task := waitTerminal(t, s, id)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.JSONEq(t, `{"ok":true}`, string(task.Result))
	require.NotNil(t, task.StartedAt)
	require.NotNil(t, task.CompletedAt)
	assert.False(t, task.CompletedAt.Before(*task.StartedAt))

	res, err := s.Result(id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res))

	assert.Eventually(t, func() bool {
		stored := store.get(id)
		return stored != nil && stored.Status == StatusCompleted
	}, time.Second, time.Millisecond)
}

func TestUrgentDispatchedBeforeLow(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	s, _ := newTestScheduler(t, cfg)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	s.RegisterHandler("block", func(ctx context.Context, task Task) (json.RawMessage, error) {
		close(started)
		<-release
		return nil, nil
	})

	var mu sync.Mutex
	var order []string
	s.RegisterHandler("record", func(ctx context.Context, task Task) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, task.Name)
		mu.Unlock()
		return nil, nil
	})
	start(t, s)

	_, err := s.Create(ctx, CreateOptions{Type: "block", Priority: priority.Normal})
	require.NoError(t, err)
	<-started

	low, err := s.Create(ctx, CreateOptions{Type: "record", Name: "B", Priority: priority.Low})
	require.NoError(t, err)
	urgent, err := s.Create(ctx, CreateOptions{Type: "record", Name: "A", Priority: priority.Urgent})
	require.NoError(t, err)
	close(release)

	waitTerminal(t, s, low)
	waitTerminal(t, s, urgent)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B"}, order)
}

func TestFIFOWithinPriority(t *testing.T) {
	q := newReadyQueue()
	q.push("first", priority.Normal)
	q.push("second", priority.Normal)
	q.push("urgent", priority.Urgent)
	q.push("third", priority.Normal)

	ctx := context.Background()
	var got []string
	for range 4 {
		id, err := q.pop(ctx)
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []string{"urgent", "first", "second", "third"}, got)

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err := q.pop(cctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryCountNeverExceedsMax(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	ctx := context.Background()

	var calls atomic.Int32
	s.RegisterHandler("flaky", func(ctx context.Context, task Task) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("always broken")
	})
	rec := &recorder{}
	s.AddListener(rec)
	start(t, s)

	id, err := s.Create(ctx, CreateOptions{Type: "flaky", Priority: priority.Normal, MaxRetries: intPtr(2)})
	require.NoError(t, err)

	task := waitTerminal(t, s, id)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, "always broken", task.Error)
	assert.Equal(t, int32(3), calls.Load())

	ok, err := s.Retry(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "retry budget is spent")

	stats := s.Stats()
	assert.Equal(t, 3, stats.Failed)
	assert.Equal(t, 2, stats.Retried)

	assert.Eventually(t, func() bool {
		n := 0
		for _, st := range rec.statuses(id) {
			if st == StatusFailed {
				n++
			}
		}
		return n == 3
	}, time.Second, time.Millisecond)
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	ctx := context.Background()

	var calls atomic.Int32
	s.RegisterHandler("flaky", func(ctx context.Context, task Task) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`"done"`), nil
	})
	start(t, s)

	id, err := s.Create(ctx, CreateOptions{Type: "flaky", Priority: priority.Normal, MaxRetries: intPtr(3)})
	require.NoError(t, err)

	task := waitTerminal(t, s, id)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Empty(t, task.Error)
}

func TestExplicitRetry(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	ctx := context.Background()

	id, err := s.Create(ctx, CreateOptions{Type: "manual", Priority: priority.Normal, MaxRetries: intPtr(1)})
	require.NoError(t, err)

	_, err = s.Retry(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition, "only failed tasks can be retried")

	require.NoError(t, s.UpdateStatus(ctx, id, StatusFailed, "boom"))
	assert.ErrorIs(t, s.UpdateStatus(ctx, id, StatusPending, ""), ErrInvalidTransition)

	ok, err := s.Retry(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	task, _ := s.Get(id)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Empty(t, task.Error)
	assert.Nil(t, task.CompletedAt)

	require.NoError(t, s.UpdateStatus(ctx, id, StatusFailed, "boom again"))
	ok, err = s.Retry(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	task, _ = s.Get(id)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, 1, task.RetryCount)
}

func TestUnregisteredTypeFailsWithoutRetry(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	ctx := context.Background()
	start(t, s)

	for _, retries := range []int{0, 3} {
		id, err := s.Create(ctx, CreateOptions{Type: "nobody-home", Priority: priority.Normal, MaxRetries: intPtr(retries)})
		require.NoError(t, err)

		task := waitTerminal(t, s, id)
		assert.Equal(t, StatusFailed, task.Status)
		assert.Contains(t, task.Error, ErrHandlerNotFound.Error())
		assert.Equal(t, 0, task.RetryCount)
		assert.NotNil(t, task.StartedAt)
	}
	assert.Equal(t, 0, s.Stats().Retried)
}

func TestStartedAtOnlyAfterLeavingPending(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	ctx := context.Background()

	s.RegisterHandler("echo", func(ctx context.Context, task Task) (json.RawMessage, error) {
		return nil, nil
	})

	waiting, err := s.Create(ctx, CreateOptions{Type: "echo", Priority: priority.Low})
	require.NoError(t, err)
	task, _ := s.Get(waiting)
	assert.Nil(t, task.StartedAt)

	start(t, s)
	task = waitTerminal(t, s, waiting)
	assert.NotNil(t, task.StartedAt)
}

func TestQueueTimeoutFailsWithoutDispatch(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	ctx := context.Background()

	var calls atomic.Int32
	s.RegisterHandler("slow", func(ctx context.Context, task Task) (json.RawMessage, error) {
		calls.Add(1)
		return nil, nil
	})

	id, err := s.Create(ctx, CreateOptions{Type: "slow", Priority: priority.Normal, Timeout: 10 * time.Millisecond, MaxRetries: intPtr(2)})
	require.NoError(t, err)
	time.Sleep(25 * time.Millisecond)

	start(t, s)
	task := waitTerminal(t, s, id)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, ReasonQueueTimeout, task.Error)
	assert.Equal(t, 2, task.RetryCount)
	assert.Nil(t, task.StartedAt)
	assert.Equal(t, int32(0), calls.Load())
}

func TestHandlerDeadlineFailsTask(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	ctx := context.Background()

	s.RegisterHandler("hang", func(ctx context.Context, task Task) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	start(t, s)

	id, err := s.Create(ctx, CreateOptions{Type: "hang", Priority: priority.Normal, Timeout: 30 * time.Millisecond, MaxRetries: intPtr(0)})
	require.NoError(t, err)

	task := waitTerminal(t, s, id)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, ReasonExecutionTimeout, task.Error)
}

func TestWatchdogFailsStuckTask(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	s.RegisterHandler("stuck", func(ctx context.Context, task Task) (json.RawMessage, error) {
		<-release // ignores its context
		return json.RawMessage(`"late"`), nil
	})
	start(t, s)

	id, err := s.Create(ctx, CreateOptions{Type: "stuck", Priority: priority.Normal, Timeout: time.Hour, MaxRetries: intPtr(0)})
	require.NoError(t, err)
	waitStatus(t, s, id, StatusExecuting)

	assert.Equal(t, 0, s.watchdogOnce(ctx, time.Now()))
	assert.Equal(t, 1, s.watchdogOnce(ctx, time.Now().Add(2*time.Hour)))

	task := waitTerminal(t, s, id)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, ReasonExecutionTimeout, task.Error)
}

func TestWatchdogTimeoutIsRetried(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	ctx := context.Background()

	var calls atomic.Int32
	s.RegisterHandler("stuck-once", func(ctx context.Context, task Task) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return json.RawMessage(`"ok"`), nil
	})
	start(t, s)

	id, err := s.Create(ctx, CreateOptions{Type: "stuck-once", Priority: priority.Normal, Timeout: time.Hour, MaxRetries: intPtr(1)})
	require.NoError(t, err)
	waitStatus(t, s, id, StatusExecuting)

	require.Equal(t, 1, s.watchdogOnce(ctx, time.Now().Add(2*time.Hour)))

	task := waitTerminal(t, s, id)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCancelRunningTaskDiscardsResult(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	ctx := context.Background()

	finished := make(chan struct{})
	s.RegisterHandler("work", func(ctx context.Context, task Task) (json.RawMessage, error) {
		defer close(finished)
		<-ctx.Done()
		return json.RawMessage(`"ignored"`), nil
	})
	start(t, s)

	id, err := s.Create(ctx, CreateOptions{Type: "work", Priority: priority.Normal})
	require.NoError(t, err)
	waitStatus(t, s, id, StatusExecuting)

	require.NoError(t, s.Cancel(ctx, id))
	<-finished

	task := waitTerminal(t, s, id)
	assert.Equal(t, StatusCancelled, task.Status)
	assert.Nil(t, task.Result)
	res, err := s.Result(id)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestPauseHoldsOutcomeUntilResume(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	ctx := context.Background()

	release := make(chan struct{})
	finished := make(chan struct{})
	s.RegisterHandler("work", func(ctx context.Context, task Task) (json.RawMessage, error) {
		defer close(finished)
		<-release
		return json.RawMessage(`"done"`), nil
	})
	start(t, s)

	id, err := s.Create(ctx, CreateOptions{Type: "work", Priority: priority.Normal})
	require.NoError(t, err)
	waitStatus(t, s, id, StatusExecuting)

	require.NoError(t, s.Pause(ctx, id))
	assert.ErrorIs(t, s.Pause(ctx, id), ErrInvalidTransition)

	close(release)
	<-finished
	// The outcome is held while paused.
	assert.Never(t, func() bool {
		st, _ := s.Status(id)
		return st != StatusPaused
	}, 30*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, s.Resume(ctx, id))
	task := waitTerminal(t, s, id)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.JSONEq(t, `"done"`, string(task.Result))

	assert.ErrorIs(t, s.Resume(ctx, id), ErrInvalidTransition)
}

func TestResumeStoreFailureKeepsOutcomeHeld(t *testing.T) {
	s, store := newTestScheduler(t, testConfig())
	ctx := context.Background()

	release := make(chan struct{})
	s.RegisterHandler("work", func(ctx context.Context, task Task) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`"done"`), nil
	})
	start(t, s)

	id, err := s.Create(ctx, CreateOptions{Type: "work"})
	require.NoError(t, err)
	waitStatus(t, s, id, StatusExecuting)
	require.NoError(t, s.Pause(ctx, id))
	close(release)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.tasks[id].held != nil
	}, 5*time.Second, time.Millisecond)

	store.failWritesOf(StatusCompleted)
	err = s.Resume(ctx, id)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)

	st, err := s.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, st)
	assert.Equal(t, StatusPaused, store.get(id).Status)

	store.failWritesOf("")
	require.NoError(t, s.Resume(ctx, id))
	task := waitTerminal(t, s, id)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.JSONEq(t, `"done"`, string(task.Result))
}

func TestStopGivesUpOnStuckHandler(t *testing.T) {
	cfg := testConfig()
	cfg.StopTimeout = 50 * time.Millisecond
	s, _ := newTestScheduler(t, cfg)
	ctx := context.Background()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	s.RegisterHandler("deaf", func(context.Context, Task) (json.RawMessage, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, s.Start(ctx))

	id, err := s.Create(ctx, CreateOptions{Type: "deaf"})
	require.NoError(t, err)
	waitStatus(t, s, id, StatusExecuting)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a handler that ignores cancellation")
	}
}

func TestListenerPanicDoesNotAbortTransition(t *testing.T) {
	s, store := newTestScheduler(t, testConfig())
	ctx := context.Background()

	s.AddListener(ListenerFunc(func(taskID string, status Status, errMsg string) {
		panic("listener bug")
	}))
	rec := &recorder{}
	s.AddListener(rec)

	id, err := s.Create(ctx, CreateOptions{Type: "echo", Priority: priority.Normal})
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, id))

	assert.Equal(t, StatusCancelled, store.get(id).Status)
	assert.Equal(t, []Status{StatusPending, StatusCancelled}, rec.statuses(id))
}

func TestListNewestFirstWithFilters(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	ctx := context.Background()

	var ids []string
	for i, typ := range []string{"a", "b", "a", "a"} {
		id, err := s.Create(ctx, CreateOptions{Type: typ, Priority: priority.Normal})
		require.NoError(t, err)
		ids = append(ids, id)
		if i == 1 {
			require.NoError(t, s.Cancel(ctx, id))
		}
		time.Sleep(time.Millisecond)
	}

	all := s.List(ListFilter{})
	require.Len(t, all, 4)
	assert.Equal(t, ids[3], all[0].ID)
	assert.Equal(t, ids[0], all[3].ID)

	onlyA := s.List(ListFilter{Type: "a", Limit: 2})
	require.Len(t, onlyA, 2)
	assert.Equal(t, ids[3], onlyA[0].ID)
	assert.Equal(t, ids[2], onlyA[1].ID)

	cancelled := s.List(ListFilter{Status: StatusCancelled})
	require.Len(t, cancelled, 1)
	assert.Equal(t, ids[1], cancelled[0].ID)
}

func TestStats(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	ctx := context.Background()

	s.RegisterHandler("ok", func(ctx context.Context, task Task) (json.RawMessage, error) {
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	})
	start(t, s)

	a, err := s.Create(ctx, CreateOptions{Type: "ok", Priority: priority.Normal})
	require.NoError(t, err)
	b, err := s.Create(ctx, CreateOptions{Type: "ok", Priority: priority.Normal})
	require.NoError(t, err)
	waitTerminal(t, s, a)
	waitTerminal(t, s, b)

	stats := s.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 2, stats.ByType["ok"])
	assert.Equal(t, 2, stats.Distribution[StatusCompleted])
	assert.Equal(t, 0, stats.Distribution[StatusPending])
	assert.GreaterOrEqual(t, stats.AverageLatency, 5*time.Millisecond)
	assert.Equal(t, "closed", stats.Breakers["ok"])
}

func TestPruneDropsOldTerminalTasks(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	ctx := context.Background()

	done, err := s.Create(ctx, CreateOptions{Type: "x", Priority: priority.Normal})
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, done))
	live, err := s.Create(ctx, CreateOptions{Type: "x", Priority: priority.Normal})
	require.NoError(t, err)

	assert.Equal(t, 1, s.Prune(time.Now().Add(time.Second)))
	_, err = s.Get(done)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = s.Get(live)
	assert.NoError(t, err)
}
