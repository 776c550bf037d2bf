package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentflow/internal/events"
)

// ProgressPaneModel shows scheduler totals and the current plan phase.
type ProgressPaneModel struct {
	progress events.ProgressEvent
	phase    *events.PlanPhaseEvent
	width    int
	height   int
	focused  bool
}

// NewProgressPaneModel creates an empty progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.ProgressEvent:
		m.progress = msg
	case events.PlanPhaseEvent:
		m.phase = &msg
	}
	return m, nil
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	p := m.progress
	var b strings.Builder

	title := StyleTitle.Render("Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Total:     %d\n", p.Total)
	fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(fmt.Sprint(p.Completed)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(p.Running)))
	fmt.Fprintf(&b, "Paused:    %s\n", StyleStatusPaused.Render(fmt.Sprint(p.Paused)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(p.Failed)))
	fmt.Fprintf(&b, "Cancelled: %s\n", StyleStatusFailed.Render(fmt.Sprint(p.Cancelled)))
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(fmt.Sprint(p.Pending)))
	b.WriteString("\n")

	if p.Total > 0 {
		barWidth := min(m.width-4, 40)
		done := (p.Completed * barWidth) / p.Total
		failed := ((p.Failed + p.Cancelled) * barWidth) / p.Total
		running := (p.Running * barWidth) / p.Total
		rest := barWidth - done - failed - running

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, done)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failed)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, running)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, rest)))

		fmt.Fprintf(&b, "[%s]  %d/%d\n", bar, p.Completed, p.Total)
	}

	if m.phase != nil {
		state := "running"
		switch {
		case m.phase.Done && m.phase.Failed:
			state = "failed"
		case m.phase.Done:
			state = "done"
		}
		fmt.Fprintf(&b, "\nPlan %s: phase %d/%d %s\n", m.phase.Plan, m.phase.Phase+1, m.phase.Phases, state)
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
