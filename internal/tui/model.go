// Package tui is a terminal monitor for one run, fed by the event bus.
package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneLog
	PaneProgress
)

const paneCount = 3

// Model is the root Bubble Tea model for the monitor.
type Model struct {
	taskPane     TaskPaneModel
	logPane      LogPaneModel
	progressPane ProgressPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	runID        string
	stop         func()
	stopping     bool
	width        int
	height       int
	quitting     bool
}

// New creates a monitor for runID. Events of other runs on the bus are
// ignored. stop is called when the user asks to stop the run; it may be nil.
func New(bus *events.Bus, runID string, stop func()) Model {
	m := Model{
		taskPane:     NewTaskPaneModel(),
		logPane:      NewLogPaneModel(),
		progressPane: NewProgressPaneModel(),
		focusedPane:  PaneTasks,
		eventSub:     bus.SubscribeAll(256),
		runID:        runID,
		stop:         stop,
	}
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the bus.
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
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyStop:
			if m.stop != nil && !m.stopping {
				m.stopping = true
				m.stop()
			}

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
			m.focusedPane = PaneLog
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneProgress
			m.updateFocusStates()

		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneTasks:
				m.taskPane, cmd = m.taskPane.Update(msg)
			case PaneLog:
				m.logPane, cmd = m.logPane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.Event:
		if m.runID == "" || msg.RunID() == m.runID {
			var cmd tea.Cmd
			m.taskPane, cmd = m.taskPane.Update(msg)
			cmds = append(cmds, cmd)
			m.logPane, cmd = m.logPane.Update(msg)
			cmds = append(cmds, cmd)
			m.progressPane, cmd = m.progressPane.Update(msg)
			cmds = append(cmds, cmd)
		}
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the monitor.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	rightPane := lipgloss.JoinVertical(lipgloss.Left, m.logPane.View(), m.progressPane.View())
	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), rightPane)

	help := HelpView()
	if m.stopping {
		help = StyleStatusRunning.Render("stopping after the current task... ") + help
	}
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, help)
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := m.width * 45 / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar
	logHeight := availableHeight * 65 / 100

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.logPane.SetSize(rightWidth, logHeight)
	m.progressPane.SetSize(rightWidth, availableHeight-logHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.logPane.SetFocused(m.focusedPane == PaneLog)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}
