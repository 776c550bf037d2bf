package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store down")

// memStore is an in-memory Store with failure injection.
type memStore struct {
	mu         sync.Mutex
	tasks      map[string]*Task
	fail       bool
	failStatus Status // Fail only writes of this status when set
	upserts    int
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]*Task)}
}

func (m *memStore) Upsert(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail || (m.failStatus != "" && task.Status == m.failStatus) {
		return errStoreDown
	}
	m.upserts++
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *memStore) LoadActive(_ context.Context) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.Status.Active() {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (m *memStore) get(id string) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		return t.Clone()
	}
	return nil
}

func (m *memStore) setFail(fail bool) {
	m.mu.Lock()
	m.fail = fail
	m.mu.Unlock()
}

func (m *memStore) failWritesOf(status Status) {
	m.mu.Lock()
	m.failStatus = status
	m.mu.Unlock()
}

func testConfig() Config {
	return Config{
		Workers:          2,
		WatchdogInterval: time.Hour,
		Retry: RetryPolicy{
			InitialInterval:     time.Millisecond,
			MaxInterval:         5 * time.Millisecond,
			Multiplier:          2,
			RandomizationFactor: 0.1,
		},
	}
}

// newTestScheduler returns a scheduler that is not yet started.
func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *memStore) {
	t.Helper()
	store := newMemStore()
	return New(store, cfg), store
}

func start(t *testing.T, s *Scheduler) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
}

func waitTerminal(t *testing.T, s *Scheduler, id string) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := s.Wait(ctx, id)
	require.NoError(t, err, "task %s did not settle", id)
	return task
}

func waitStatus(t *testing.T, s *Scheduler, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := s.Status(id)
		return err == nil && st == want
	}, 5*time.Second, time.Millisecond, "task %s never reached %s", id, want)
}

func intPtr(n int) *int { return &n }

// recorder is a StatusListener that keeps every notification.
type recorder struct {
	mu    sync.Mutex
	notes []note
}

func (r *recorder) OnStatusChange(taskID string, status Status, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note{id: taskID, status: status, errMsg: errMsg})
}

func (r *recorder) statuses(id string) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, n := range r.notes {
		if n.id == id {
			out = append(out, n.status)
		}
	}
	return out
}
