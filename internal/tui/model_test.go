package tui

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentflow/internal/config"
	"github.com/aristath/agentflow/internal/events"
)

type fakeController struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeController) Cancel(_ context.Context, id string) error {
	f.record("cancel:" + id)
	return f.err
}

func (f *fakeController) Pause(_ context.Context, id string) error {
	f.record("pause:" + id)
	return f.err
}

func (f *fakeController) Resume(_ context.Context, id string) error {
	f.record("resume:" + id)
	return f.err
}

func (f *fakeController) Retry(_ context.Context, id string) (bool, error) {
	f.record("retry:" + id)
	return f.err == nil, f.err
}

func newTestModel(t *testing.T, control Controller) Model {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	dir := t.TempDir()
	m := New(bus, control, config.DefaultConfig(), filepath.Join(dir, "global.toml"), filepath.Join(dir, "project.toml"))
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return updated.(Model)
}

func send(m Model, msgs ...tea.Msg) Model {
	for _, msg := range msgs {
		updated, _ := m.Update(msg)
		m = updated.(Model)
	}
	return m
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestTaskEventsPopulatePane(t *testing.T) {
	now := time.Now()
	m := newTestModel(t, nil)

	m = send(m,
		events.TaskCreatedEvent{ID: "t1", Name: "build", Type: "exec", Priority: "high", Timestamp: now},
		events.TaskStatusEvent{ID: "t1", Name: "build", Type: "exec", Status: "executing", Timestamp: now},
		events.TaskOutputEvent{ID: "t1", Line: "compiling", Timestamp: now},
		events.TaskStatusEvent{ID: "t1", Status: "failed", Err: "exit 1", Timestamp: now},
	)

	selected := m.taskPane.Selected()
	require.NotNil(t, selected)
	assert.Equal(t, "t1", selected.ID)
	assert.Equal(t, "high", selected.Priority)
	assert.Equal(t, "failed", selected.Status)
	assert.Equal(t, "exit 1", selected.Err)
	assert.Equal(t, []string{"compiling", "[failed: exit 1]"}, selected.Output)
	assert.Contains(t, m.View(), "build")
}

func TestOutputForUnknownTaskIgnored(t *testing.T) {
	m := newTestModel(t, nil)
	m = send(m, events.TaskOutputEvent{ID: "ghost", Line: "boo"})
	assert.Nil(t, m.taskPane.Selected())
}

func TestSelectionMoves(t *testing.T) {
	m := newTestModel(t, nil)
	m = send(m,
		events.TaskCreatedEvent{ID: "a", Name: "a"},
		events.TaskCreatedEvent{ID: "b", Name: "b"},
	)
	assert.Equal(t, "a", m.taskPane.Selected().ID)

	m = send(m, key("j"))
	assert.Equal(t, "b", m.taskPane.Selected().ID)
	m = send(m, key("j"))
	assert.Equal(t, "b", m.taskPane.Selected().ID)
	m = send(m, key("k"))
	assert.Equal(t, "a", m.taskPane.Selected().ID)
}

func TestProgressPane(t *testing.T) {
	m := newTestModel(t, nil)
	m = send(m,
		events.ProgressEvent{Total: 4, Completed: 2, Running: 1, Pending: 1},
		events.PlanPhaseEvent{Plan: "deploy", Phase: 1, Phases: 3},
	)

	view := m.progressPane.View()
	assert.Contains(t, view, "2/4")
	assert.Contains(t, view, "Plan deploy: phase 2/3 running")
}

func TestTaskKeysCallController(t *testing.T) {
	control := &fakeController{}
	m := newTestModel(t, control)
	m = send(m, events.TaskCreatedEvent{ID: "t1", Name: "t1"})

	for _, k := range []string{KeyCancel, KeyPause, KeyResume, KeyRetry} {
		_, cmd := m.Update(key(k))
		require.NotNil(t, cmd, k)
		msg := cmd()
		// tea.Batch wraps a single command in a BatchMsg
		if batch, ok := msg.(tea.BatchMsg); ok {
			for _, c := range batch {
				if c != nil {
					msg = c()
				}
			}
		}
		res, ok := msg.(actionResultMsg)
		require.True(t, ok, k)
		assert.NoError(t, res.err)
		m = send(m, res)
	}

	assert.Equal(t, []string{"cancel:t1", "pause:t1", "resume:t1", "retry:t1"}, control.calls)
	assert.Contains(t, m.status, "retry t1")
}

func TestTaskActionReportsError(t *testing.T) {
	m := newTestModel(t, &fakeController{err: errors.New("nope")})
	m = send(m, events.TaskCreatedEvent{ID: "t1"})

	cmd := m.taskAction(KeyCancel)
	require.NotNil(t, cmd)
	m = send(m, cmd())
	assert.Contains(t, m.status, "nope")
}

func TestTaskActionWithoutSelection(t *testing.T) {
	m := newTestModel(t, &fakeController{})
	assert.Nil(t, m.taskAction(KeyCancel))
}

func TestSettingsToggle(t *testing.T) {
	m := newTestModel(t, nil)

	m = send(m, key(KeySettings))
	assert.True(t, m.showSettings)
	assert.Contains(t, m.View(), "Settings")

	m = send(m, tea.KeyMsg{Type: tea.KeyEsc})
	assert.False(t, m.showSettings)
}

func TestQuit(t *testing.T) {
	m := newTestModel(t, nil)
	updated, cmd := m.Update(key(KeyQuit))
	require.NotNil(t, cmd)
	assert.Equal(t, "Goodbye!\n", updated.(Model).View())
}

func TestSettingsApply(t *testing.T) {
	cfg := config.DefaultConfig()
	dir := t.TempDir()
	p := NewSettingsPaneModel(cfg, filepath.Join(dir, "g.toml"), filepath.Join(dir, "p.toml"))

	p.workers = "8"
	p.maxRetries = "1"
	p.defaultTimeout = "90s"
	p.historySize = "50"
	p.logLevel = "debug"
	require.NoError(t, p.applyFormToConfig())

	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 1, cfg.Scheduler.DefaultMaxRetries)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.DefaultTimeout.Duration)
	assert.Equal(t, 50, cfg.Bus.HistorySize)
	assert.Equal(t, "debug", cfg.Log.Level)

	p.workers = "x"
	assert.Error(t, p.applyFormToConfig())
}

func TestValidators(t *testing.T) {
	assert.NoError(t, positiveInt("3"))
	assert.Error(t, positiveInt("0"))
	assert.NoError(t, nonNegativeInt("0"))
	assert.Error(t, nonNegativeInt("-1"))
	assert.NoError(t, validDuration("5m"))
	assert.Error(t, validDuration("soon"))
}
