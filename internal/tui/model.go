package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentflow/internal/config"
	"github.com/aristath/agentflow/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneProgress
	paneCount
)

// Controller is the set of task operations bound to keys.
type Controller interface {
	Cancel(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) (bool, error)
}

// actionResultMsg reports the outcome of a key-bound task operation.
type actionResultMsg struct {
	action string
	taskID string
	err    error
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane     TaskPaneModel
	progressPane ProgressPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	control      Controller
	status       string
	width        int
	height       int
	quitting     bool
	showSettings bool
}

// New creates the root model. It subscribes to every topic of eventBus.
// control may be nil, which disables the task keys.
func New(eventBus *events.EventBus, control Controller, cfg *config.Config, globalPath, projectPath string) Model {
	return Model{
		taskPane:     NewTaskPaneModel(),
		progressPane: NewProgressPaneModel(),
		settingsPane: NewSettingsPaneModel(cfg, globalPath, projectPath),
		focusedPane:  PaneTasks,
		eventSub:     eventBus.SubscribeAll(256),
		control:      control,
	}
}

// Init starts listening for events.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.showSettings {
			return m.updateSettings(msg)
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeySettings:
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			cmds = append(cmds, m.settingsPane.Init())

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneProgress
			m.updateFocusStates()

		case KeyCancel, KeyPause, KeyResume, KeyRetry:
			if cmd := m.taskAction(msg.String()); cmd != nil {
				cmds = append(cmds, cmd)
			}

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case actionResultMsg:
		if msg.err != nil {
			m.status = StyleError.Render(fmt.Sprintf("%s %s: %v", msg.action, msg.taskID, msg.err))
		} else {
			m.status = fmt.Sprintf("%s %s", msg.action, msg.taskID)
		}

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.TaskCreatedEvent, events.TaskStatusEvent, events.TaskOutputEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.ProgressEvent, events.PlanPhaseEvent:
		var cmd tea.Cmd
		m.progressPane, cmd = m.progressPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.Event:
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

func (m Model) updateSettings(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "esc" {
		m.showSettings = false
		m.settingsPane.SetVisible(false)
		return m, nil
	}

	var cmd tea.Cmd
	m.settingsPane, cmd = m.settingsPane.Update(msg)
	if !m.settingsPane.IsVisible() {
		m.showSettings = false
		if m.settingsPane.Saved() {
			m.status = "settings saved, restart to apply"
		}
	}
	return m, cmd
}

// taskAction runs a control operation on the selected task off the UI loop.
func (m Model) taskAction(key string) tea.Cmd {
	selected := m.taskPane.Selected()
	if m.control == nil || selected == nil {
		return nil
	}
	id := selected.ID
	control := m.control

	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		switch key {
		case KeyCancel:
			return actionResultMsg{action: "cancel", taskID: id, err: control.Cancel(ctx, id)}
		case KeyPause:
			return actionResultMsg{action: "pause", taskID: id, err: control.Pause(ctx, id)}
		case KeyResume:
			return actionResultMsg{action: "resume", taskID: id, err: control.Resume(ctx, id)}
		default:
			ok, err := control.Retry(ctx, id)
			if err == nil && !ok {
				err = fmt.Errorf("retry budget exhausted")
			}
			return actionResultMsg{action: "retry", taskID: id, err: err}
		}
	}
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.showSettings {
		return m.settingsPane.View()
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.progressPane.View())

	footer := HelpView()
	if m.status != "" {
		footer = m.status + "  " + footer
	}
	return lipgloss.JoinVertical(lipgloss.Left, body, footer)
}

// computeLayout gives the task pane 65% of the width.
func (m *Model) computeLayout() {
	taskWidth := (m.width * 65) / 100
	available := m.height - 1 // help bar

	m.taskPane.SetSize(taskWidth, available)
	m.progressPane.SetSize(m.width-taskWidth, available)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}
