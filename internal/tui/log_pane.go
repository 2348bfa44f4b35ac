package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/events"
)

// maxLogLines bounds the run log kept in memory.
const maxLogLines = 2000

// LogPaneModel is a scrollable feed of run-level notices: announcements,
// run log lines, proposals and reviews.
type LogPaneModel struct {
	lines    []string
	viewport viewport.Model
	width    int
	height   int
	focused  bool
}

// NewLogPaneModel creates an empty log pane.
func NewLogPaneModel() LogPaneModel {
	return LogPaneModel{viewport: viewport.New(0, 0)}
}

// Update handles messages for the log pane.
func (m LogPaneModel) Update(msg tea.Msg) (LogPaneModel, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.focused {
			m.viewport, cmd = m.viewport.Update(msg)
		}
	case events.Event:
		if line, ok := FormatLogLine(msg); ok {
			m.lines = append(m.lines, line)
			if len(m.lines) > maxLogLines {
				m.lines = m.lines[len(m.lines)-maxLogLines:]
			}
			m.viewport.SetContent(strings.Join(m.lines, "\n"))
			m.viewport.GotoBottom()
		}
	}
	return m, cmd
}

// FormatLogLine renders the events the log pane shows; other events are
// skipped.
func FormatLogLine(ev events.Event) (string, bool) {
	ts := ev.Time().Format("15:04:05")
	switch e := ev.(type) {
	case events.RunStartedEvent:
		return fmt.Sprintf("%s run %s started (%d tasks)", ts, e.RunID(), e.Tasks), true
	case events.RunFinishedEvent:
		line := fmt.Sprintf("%s run %s", ts, e.Status)
		if e.Reason != "" {
			line += ": " + e.Reason
		}
		return styleForLevel(levelForStatus(e.Status)).Render(line), true
	case events.AnnounceEvent:
		return styleForLevel(e.Level).Render(fmt.Sprintf("%s %s", ts, e.Message)), true
	case events.RunLogEvent:
		return styleForLevel(e.Level).Render(fmt.Sprintf("%s [%s] %s", ts, e.TaskID(), e.Message)), true
	case events.ProposalSubmittedEvent:
		line := fmt.Sprintf("%s %s proposed %d file(s): %s", ts, e.AgentID, len(e.ChangedFiles), strings.Join(e.ChangedFiles, ", "))
		if len(e.OutOfScope) > 0 {
			return styleForLevel("warn").Render(line + " (out of scope: " + strings.Join(e.OutOfScope, ", ") + ")"), true
		}
		return line, true
	case events.ProposalReviewedEvent:
		line := fmt.Sprintf("%s review of %s: %s", ts, e.AgentID, e.Decision)
		if e.Reason != "" {
			line += " (" + e.Reason + ")"
		}
		if e.Applied {
			line += " applied"
		}
		return line, true
	case events.MemoryInjectedEvent:
		return fmt.Sprintf("%s [%s] %d memory item(s), %d tokens", ts, e.TaskID(), e.Items, e.Tokens), true
	}
	return "", false
}

func levelForStatus(status string) string {
	switch status {
	case "failed":
		return "error"
	case "stopped":
		return "warn"
	}
	return "info"
}

// Lines returns the rendered log lines.
func (m LogPaneModel) Lines() []string { return m.lines }

// View renders the log pane.
func (m LogPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(StyleTitle.Render("Run log") + "\n" + m.viewport.View())
}

// SetSize updates the pane dimensions.
func (m *LogPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-4, 10)
	m.viewport.Height = max(h-3, 3)
}

// SetFocused updates the focus state.
func (m *LogPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
