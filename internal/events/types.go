// Package events defines the typed run events and the in-process bus that
// fans them out to UI and log consumers.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/scheduler"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	RunID() string
	TaskID() string
	Time() time.Time
}

// Topic constants
const (
	TopicRun      = "run"
	TopicTask     = "task"
	TopicProposal = "proposal"
	TopicSchedule = "schedule"
	TopicLog      = "log"
)

// Event type constants
const (
	EventTypeRunStarted         = "run.started"
	EventTypeRunFinished        = "run.finished"
	EventTypeTaskDispatched     = "task.dispatched"
	EventTypeNodeStarted        = "node.started"
	EventTypeNodeOutput         = "node.output"
	EventTypeNodeFailed         = "node.failed"
	EventTypeProposalSubmitted  = "proposal.submitted"
	EventTypeProposalReviewed   = "proposal.reviewed"
	EventTypeAnnounce           = "announce"
	EventTypeMemoryInjected     = "memory.injected"
	EventTypeRunLog             = "run.log"
	EventTypeTaskSnapshot       = "task.snapshot"
	EventTypeTaskUpdated        = "task.updated"
	EventTypeScheduleRecomputed = "schedule.recomputed"
)

// Header carries the fields every event has.
type Header struct {
	Run  string    `json:"runId"`
	Task string    `json:"taskId,omitempty"`
	At   time.Time `json:"at"`
}

func (h Header) RunID() string   { return h.Run }
func (h Header) TaskID() string  { return h.Task }
func (h Header) Time() time.Time { return h.At }

// RunStartedEvent is published when an executor begins a run.
type RunStartedEvent struct {
	Header
	FlowID    string `json:"flowId"`
	Workspace string `json:"workspace"`
	Tasks     int    `json:"tasks"`
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }

// RunFinishedEvent is published once per run with its outcome.
type RunFinishedEvent struct {
	Header
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }

// TaskDispatchedEvent is published when a task is picked and its backend resolved.
type TaskDispatchedEvent struct {
	Header
	AgentID   string `json:"agentId"`
	Backend   string `json:"backend"`
	WorkDir   string `json:"workDir"`
	Sandboxed bool   `json:"sandboxed,omitempty"`
}

func (e TaskDispatchedEvent) EventType() string { return EventTypeTaskDispatched }

// NodeStartedEvent is published right before the agent is invoked.
type NodeStartedEvent struct {
	Header
	NodeID      string `json:"nodeId,omitempty"`
	AgentID     string `json:"agentId"`
	PromptChars int    `json:"promptChars"`
	TimeoutMs   int64  `json:"timeoutMs"`
}

func (e NodeStartedEvent) EventType() string { return EventTypeNodeStarted }

// NodeOutputEvent carries an agent's reply.
type NodeOutputEvent struct {
	Header
	AgentID      string  `json:"agentId"`
	Output       string  `json:"output"`
	SessionID    string  `json:"sessionId,omitempty"`
	InputTokens  int64   `json:"inputTokens,omitempty"`
	OutputTokens int64   `json:"outputTokens,omitempty"`
	CostUSD      float64 `json:"costUsd,omitempty"`
	DurationMs   int64   `json:"durationMs"`
}

func (e NodeOutputEvent) EventType() string { return EventTypeNodeOutput }

// NodeFailedEvent is published when an agent invocation fails.
type NodeFailedEvent struct {
	Header
	AgentID    string `json:"agentId"`
	Kind       string `json:"kind,omitempty"`
	Error      string `json:"error"`
	DurationMs int64  `json:"durationMs"`
}

func (e NodeFailedEvent) EventType() string { return EventTypeNodeFailed }

// ProposalSubmittedEvent is published after a sandbox proposal was written.
type ProposalSubmittedEvent struct {
	Header
	AgentID      string   `json:"agentId"`
	ManifestPath string   `json:"manifestPath"`
	ChangedFiles []string `json:"changedFiles"`
	OutOfScope   []string `json:"outOfScope,omitempty"`
}

func (e ProposalSubmittedEvent) EventType() string { return EventTypeProposalSubmitted }

// ProposalReviewedEvent records the review gate's decision.
type ProposalReviewedEvent struct {
	Header
	AgentID  string `json:"agentId"`
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
	Applied  bool   `json:"applied,omitempty"`
}

func (e ProposalReviewedEvent) EventType() string { return EventTypeProposalReviewed }

// AnnounceEvent is a short user-facing notice.
type AnnounceEvent struct {
	Header
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (e AnnounceEvent) EventType() string { return EventTypeAnnounce }

// MemoryInjectedEvent records context retrieved into a prompt.
type MemoryInjectedEvent struct {
	Header
	Items  int      `json:"items"`
	Tokens int      `json:"tokens"`
	From   []string `json:"from,omitempty"`
}

func (e MemoryInjectedEvent) EventType() string { return EventTypeMemoryInjected }

// RunLogEvent is a free-form log line attached to a run.
type RunLogEvent struct {
	Header
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (e RunLogEvent) EventType() string { return EventTypeRunLog }

// TaskSnapshotEvent carries the full task list of a run.
type TaskSnapshotEvent struct {
	Header
	Tasks []scheduler.Task `json:"tasks"`
}

func (e TaskSnapshotEvent) EventType() string { return EventTypeTaskSnapshot }

// TaskUpdatedEvent carries the changed keys of one task, or the whole task
// when it was just added.
type TaskUpdatedEvent struct {
	Header
	Patch scheduler.Patch `json:"patch,omitempty"`
	Added *scheduler.Task `json:"added,omitempty"`
}

func (e TaskUpdatedEvent) EventType() string { return EventTypeTaskUpdated }

// ScheduleRecomputedEvent lists tasks touched by a recompute.
type ScheduleRecomputedEvent struct {
	Header
	TaskIDs []string `json:"taskIds"`
}

func (e ScheduleRecomputedEvent) EventType() string { return EventTypeScheduleRecomputed }

// Topic returns the bus topic an event is published on.
func Topic(e Event) string {
	switch e.EventType() {
	case EventTypeRunStarted, EventTypeRunFinished:
		return TopicRun
	case EventTypeProposalSubmitted, EventTypeProposalReviewed:
		return TopicProposal
	case EventTypeTaskSnapshot, EventTypeTaskUpdated, EventTypeScheduleRecomputed:
		return TopicSchedule
	case EventTypeAnnounce, EventTypeRunLog, EventTypeMemoryInjected:
		return TopicLog
	default:
		return TopicTask
	}
}

// Marshal encodes the event payload as JSON.
func Marshal(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", e.EventType(), err)
	}
	return data, nil
}

// Unmarshal decodes a payload written by Marshal back into its typed event.
func Unmarshal(eventType string, data []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch eventType {
	case EventTypeRunStarted:
		ev, err = decode[RunStartedEvent](data)
	case EventTypeRunFinished:
		ev, err = decode[RunFinishedEvent](data)
	case EventTypeTaskDispatched:
		ev, err = decode[TaskDispatchedEvent](data)
	case EventTypeNodeStarted:
		ev, err = decode[NodeStartedEvent](data)
	case EventTypeNodeOutput:
		ev, err = decode[NodeOutputEvent](data)
	case EventTypeNodeFailed:
		ev, err = decode[NodeFailedEvent](data)
	case EventTypeProposalSubmitted:
		ev, err = decode[ProposalSubmittedEvent](data)
	case EventTypeProposalReviewed:
		ev, err = decode[ProposalReviewedEvent](data)
	case EventTypeAnnounce:
		ev, err = decode[AnnounceEvent](data)
	case EventTypeMemoryInjected:
		ev, err = decode[MemoryInjectedEvent](data)
	case EventTypeRunLog:
		ev, err = decode[RunLogEvent](data)
	case EventTypeTaskSnapshot:
		ev, err = decode[TaskSnapshotEvent](data)
	case EventTypeTaskUpdated:
		ev, err = decode[TaskUpdatedEvent](data)
	case EventTypeScheduleRecomputed:
		ev, err = decode[ScheduleRecomputedEvent](data)
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", eventType, err)
	}
	return ev, nil
}

func decode[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
