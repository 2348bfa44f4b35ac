package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/events"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/scheduler"
)

// Counts tallies tasks by status.
type Counts struct {
	Total   int
	Done    int
	Running int
	Failed  int // failed, blocked or canceled
	Pending int
}

// ProgressPaneModel shows run-wide progress.
type ProgressPaneModel struct {
	status  map[string]scheduler.TaskStatus
	outcome string
	width   int
	height  int
	focused bool
}

// NewProgressPaneModel creates an empty progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{status: make(map[string]scheduler.TaskStatus)}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.TaskSnapshotEvent:
		for _, t := range msg.Tasks {
			m.status[t.ID] = t.Status
		}
	case events.TaskUpdatedEvent:
		if msg.Added != nil {
			m.status[msg.Added.ID] = msg.Added.Status
		}
		if s, ok := msg.Patch["status"].(string); ok {
			m.status[msg.TaskID()] = scheduler.TaskStatus(s)
		}
	case events.RunFinishedEvent:
		m.outcome = msg.Status
		if msg.Reason != "" {
			m.outcome += ": " + msg.Reason
		}
	}
	return m, nil
}

// Counts returns the current tallies.
func (m ProgressPaneModel) Counts() Counts {
	c := Counts{Total: len(m.status)}
	for _, s := range m.status {
		switch s {
		case scheduler.StatusDone:
			c.Done++
		case scheduler.StatusRunning:
			c.Running++
		case scheduler.StatusFailed, scheduler.StatusBlocked, scheduler.StatusCanceled:
			c.Failed++
		default:
			c.Pending++
		}
	}
	return c
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	c := m.Counts()

	var b strings.Builder
	title := StyleTitle.Render("Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Total:   %d\n", c.Total)
	fmt.Fprintf(&b, "Done:    %s\n", StyleStatusComplete.Render(fmt.Sprint(c.Done)))
	fmt.Fprintf(&b, "Running: %s\n", StyleStatusRunning.Render(fmt.Sprint(c.Running)))
	fmt.Fprintf(&b, "Failed:  %s\n", StyleStatusFailed.Render(fmt.Sprint(c.Failed)))
	fmt.Fprintf(&b, "Pending: %s\n", StyleStatusPending.Render(fmt.Sprint(c.Pending)))
	b.WriteString("\n")

	if c.Total > 0 {
		barWidth := min(m.width-4, 40)
		doneWidth := c.Done * barWidth / c.Total
		failedWidth := c.Failed * barWidth / c.Total
		runningWidth := c.Running * barWidth / c.Total
		pendingWidth := barWidth - doneWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, doneWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))
		fmt.Fprintf(&b, "[%s]  %d/%d\n", bar, c.Done, c.Total)
	}
	if m.outcome != "" {
		fmt.Fprintf(&b, "\nRun %s\n", m.outcome)
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
