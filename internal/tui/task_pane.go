package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentflow/internal/events"
)

// maxOutputLines bounds the output kept per task.
const maxOutputLines = 2000

// TaskState is the pane's view of one task.
type TaskState struct {
	ID         string
	Name       string
	Type       string
	Priority   string
	Status     string
	RetryCount int
	Err        string
	Output     []string
	Created    time.Time
	Duration   time.Duration
}

// TaskPaneModel shows the task list next to the selected task's output.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	order       []string // Creation order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // Debounces output refreshes
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskCreatedEvent:
		m.track(msg.ID, msg.Name, msg.Type, msg.Timestamp).Priority = msg.Priority

	case events.TaskStatusEvent:
		t := m.track(msg.ID, msg.Name, msg.Type, msg.Timestamp)
		t.Status = msg.Status
		t.RetryCount = msg.RetryCount
		t.Duration = msg.Duration
		switch {
		case msg.Status == "failed":
			t.Err = msg.Err
			t.appendLine(fmt.Sprintf("[failed: %s]", msg.Err))
		case msg.Status == "pending" && msg.RetryCount > 0:
			t.appendLine(fmt.Sprintf("[retry %d]", msg.RetryCount))
		case msg.Terminal():
			t.appendLine(fmt.Sprintf("[%s in %v]", msg.Status, msg.Duration.Round(time.Millisecond)))
		}
		if m.selectedTaskID() == msg.ID {
			m.updateViewportContent()
		}

	case events.TaskOutputEvent:
		t, ok := m.tasks[msg.ID]
		if !ok {
			break
		}
		t.appendLine(msg.Line)
		if m.selectedTaskID() == msg.ID {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// track returns the state for id, adding it on first sight.
func (m *TaskPaneModel) track(id, name, typ string, ts time.Time) *TaskState {
	if t, ok := m.tasks[id]; ok {
		return t
	}
	t := &TaskState{
		ID:      id,
		Name:    name,
		Type:    typ,
		Status:  "pending",
		Created: ts,
	}
	m.tasks[id] = t
	m.order = append(m.order, id)
	if len(m.order) == 1 {
		m.selectedIdx = 0
		m.updateViewportContent()
	}
	return t
}

func (t *TaskState) appendLine(line string) {
	t.Output = append(t.Output, line)
	if over := len(t.Output) - maxOutputLines; over > 0 {
		t.Output = t.Output[over:]
	}
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 30
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.order {
		t := m.tasks[id]
		name := t.Name
		if name == "" {
			name = t.ID
		}
		if len(name) > width-6 {
			name = name[:width-9] + "..."
		}

		line := fmt.Sprintf("%s %s", StatusIcon(t.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled indicator for a task status.
func StatusIcon(status string) string {
	switch status {
	case "executing":
		return StyleStatusRunning.Render("●")
	case "completed":
		return StyleStatusComplete.Render("✓")
	case "failed":
		return StyleStatusFailed.Render("✗")
	case "cancelled":
		return StyleStatusFailed.Render("⊘")
	case "paused":
		return StyleStatusPaused.Render("‖")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Selected returns the selected task, or nil.
func (m TaskPaneModel) Selected() *TaskState {
	return m.tasks[m.selectedTaskID()]
}

func (m *TaskPaneModel) updateViewportContent() {
	t, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	header := fmt.Sprintf("%s  type=%s priority=%s status=%s retries=%d",
		t.ID, t.Type, t.Priority, t.Status, t.RetryCount)
	m.viewport.SetContent(header + "\n\n" + strings.Join(t.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-30-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
