package scheduler

// TaskStatus is the lifecycle state of a task within a run.
type TaskStatus string

const (
	StatusPlanned  TaskStatus = "planned"  // Created, not yet reachable by the scheduler
	StatusReady    TaskStatus = "ready"    // Dependencies satisfiable, waiting for a slot
	StatusRunning  TaskStatus = "running"  // Agent invocation in flight
	StatusDone     TaskStatus = "done"     // Finished successfully
	StatusFailed   TaskStatus = "failed"   // Finished with an error
	StatusBlocked  TaskStatus = "blocked"  // Can never run in this run
	StatusCanceled TaskStatus = "canceled" // Stopped before finishing
)

// IsTerminal reports whether the status is final for the run.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusBlocked, StatusCanceled:
		return true
	}
	return false
}

// BlockerKind distinguishes why a task is blocked.
type BlockerKind string

const (
	BlockerExternal BlockerKind = "external"
	BlockerError    BlockerKind = "error"
)

// Blocker describes why a task cannot make progress.
type Blocker struct {
	Kind    BlockerKind `json:"kind"`
	Message string      `json:"message"`
}

// Overrides are manual scheduling adjustments.
type Overrides struct {
	ForceStartMs *int64 `json:"forceStartMs,omitempty"`
	ForceAgentID string `json:"forceAgentId,omitempty"`
	Priority     *int   `json:"priority,omitempty"`
	Pinned       bool   `json:"pinned,omitempty"`
}

// Task is a single unit of work assigned to one agent lane.
type Task struct {
	ID             string         `json:"id"`
	Title          string         `json:"title,omitempty"`
	AgentID        string         `json:"agentId,omitempty"`
	Deps           []string       `json:"deps,omitempty"`
	EstimateMs     int64          `json:"estimateMs,omitempty"`
	PlannedStartMs int64          `json:"plannedStartMs"`
	PlannedEndMs   int64          `json:"plannedEndMs"`
	ActualStartMs  *int64         `json:"actualStartMs,omitempty"`
	ActualEndMs    *int64         `json:"actualEndMs,omitempty"`
	CreatedAtMs    int64          `json:"createdAtMs,omitempty"`
	Status         TaskStatus     `json:"status,omitempty"`
	Progress       float64        `json:"progress,omitempty"`
	Blocker        *Blocker       `json:"blocker,omitempty"`
	Overrides      Overrides      `json:"overrides,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
}

// Lane returns the single-occupancy lane the task runs in.
func (t *Task) Lane() string {
	if t.Overrides.ForceAgentID != "" {
		return t.Overrides.ForceAgentID
	}
	return t.AgentID
}

// MetaString returns a string meta value, or "" when absent.
func (t *Task) MetaString(key string) string {
	if t.Meta == nil {
		return ""
	}
	s, _ := t.Meta[key].(string)
	return s
}

// MetaStrings returns a string-list meta value. Both []string and []any
// (the shape produced by JSON decoding) are accepted.
func (t *Task) MetaStrings(key string) []string {
	if t.Meta == nil {
		return nil
	}
	switch v := t.Meta[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	out := t
	if t.Deps != nil {
		out.Deps = append([]string(nil), t.Deps...)
	}
	if t.ActualStartMs != nil {
		v := *t.ActualStartMs
		out.ActualStartMs = &v
	}
	if t.ActualEndMs != nil {
		v := *t.ActualEndMs
		out.ActualEndMs = &v
	}
	if t.Blocker != nil {
		b := *t.Blocker
		out.Blocker = &b
	}
	if t.Overrides.ForceStartMs != nil {
		v := *t.Overrides.ForceStartMs
		out.Overrides.ForceStartMs = &v
	}
	if t.Overrides.Priority != nil {
		v := *t.Overrides.Priority
		out.Overrides.Priority = &v
	}
	if t.Meta != nil {
		out.Meta = cloneValue(t.Meta, nil).(map[string]any)
	}
	return out
}

func (t *Task) priority() int {
	if t.Overrides.Priority == nil {
		return 0
	}
	return *t.Overrides.Priority
}
