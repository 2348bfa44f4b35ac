package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/events"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/scheduler"
)

// TaskState is what the monitor knows about one task.
type TaskState struct {
	TaskID  string
	Title   string
	AgentID string
	Status  scheduler.TaskStatus
	Blocker string
	Output  []string
}

// TaskPaneModel is the task list with a scrollable output viewport for the
// selected task.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	order       []string
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg debounces viewport refreshes while output streams in.
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

	case events.TaskSnapshotEvent:
		for _, t := range msg.Tasks {
			m.upsert(t)
		}
		m.updateViewportContent()

	case events.TaskUpdatedEvent:
		if msg.Added != nil {
			m.upsert(*msg.Added)
		}
		if msg.Patch != nil {
			m.applyPatch(msg.TaskID(), msg.Patch)
		}
		if m.selectedTaskID() == msg.TaskID() {
			m.updateViewportContent()
		}

	case events.NodeStartedEvent:
		return m, m.appendOutput(msg.TaskID(), fmt.Sprintf("[started %s, prompt %d chars, timeout %s]",
			msg.AgentID, msg.PromptChars, time.Duration(msg.TimeoutMs)*time.Millisecond))

	case events.NodeOutputEvent:
		lines := strings.Split(strings.TrimRight(msg.Output, "\n"), "\n")
		lines = append(lines, fmt.Sprintf("[done in %s]", time.Duration(msg.DurationMs)*time.Millisecond))
		return m, m.appendOutput(msg.TaskID(), lines...)

	case events.NodeFailedEvent:
		return m, m.appendOutput(msg.TaskID(), fmt.Sprintf("[failed: %s]", msg.Error))

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func (m *TaskPaneModel) upsert(t scheduler.Task) {
	st, ok := m.tasks[t.ID]
	if !ok {
		st = &TaskState{TaskID: t.ID}
		m.tasks[t.ID] = st
		m.order = append(m.order, t.ID)
	}
	st.Title = t.Title
	st.AgentID = t.AgentID
	st.Status = t.Status
	st.Blocker = ""
	if t.Blocker != nil {
		st.Blocker = t.Blocker.Message
	}
}

// applyPatch folds the changed keys of a task_updated diff into the state.
func (m *TaskPaneModel) applyPatch(taskID string, patch scheduler.Patch) {
	st, ok := m.tasks[taskID]
	if !ok {
		st = &TaskState{TaskID: taskID}
		m.tasks[taskID] = st
		m.order = append(m.order, taskID)
	}
	if v, ok := patch["status"]; ok {
		switch s := v.(type) {
		case string:
			st.Status = scheduler.TaskStatus(s)
		case scheduler.TaskStatus:
			st.Status = s
		}
	}
	if v, ok := patch["title"].(string); ok {
		st.Title = v
	}
	if v, ok := patch["agentId"].(string); ok {
		st.AgentID = v
	}
	if v, ok := patch["blocker"]; ok {
		st.Blocker = ""
		if b, ok := v.(map[string]any); ok {
			st.Blocker, _ = b["message"].(string)
		}
	}
}

func (m *TaskPaneModel) appendOutput(taskID string, lines ...string) tea.Cmd {
	st, ok := m.tasks[taskID]
	if !ok {
		return nil
	}
	st.Output = append(st.Output, lines...)
	if m.selectedTaskID() != taskID {
		return nil
	}
	m.updateTag++
	tag := m.updateTag
	return tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{tag: tag}
	})
}

// Task returns the state of one task.
func (m TaskPaneModel) Task(id string) (TaskState, bool) {
	st, ok := m.tasks[id]
	if !ok {
		return TaskState{}, false
	}
	return *st, true
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 28
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
		st := m.tasks[id]
		name := id
		if st.AgentID != "" {
			name = fmt.Sprintf("%s (%s)", id, st.AgentID)
		}
		if len(name) > width-4 {
			name = name[:width-7] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(st.Status), name)
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

// StatusIcon returns a styled status indicator.
func StatusIcon(status scheduler.TaskStatus) string {
	switch status {
	case scheduler.StatusRunning:
		return StyleStatusRunning.Render("●")
	case scheduler.StatusDone:
		return StyleStatusComplete.Render("✓")
	case scheduler.StatusFailed:
		return StyleStatusFailed.Render("✗")
	case scheduler.StatusBlocked, scheduler.StatusCanceled:
		return StyleStatusFailed.Render("⊘")
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

func (m *TaskPaneModel) updateViewportContent() {
	st, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s  [%s]\n", st.TaskID, st.Status)
	if st.Title != "" {
		fmt.Fprintf(&b, "%s\n", st.Title)
	}
	if st.Blocker != "" {
		fmt.Fprintf(&b, "blocked by: %s\n", st.Blocker)
	}
	b.WriteString("\n")
	b.WriteString(strings.Join(st.Output, "\n"))
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-28-4, 10)
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
