package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// EventType identifies a store change notification.
type EventType string

const (
	EventSnapshot           EventType = "snapshot"
	EventTaskAdded          EventType = "task_added"
	EventTaskUpdated        EventType = "task_updated"
	EventTaskRemoved        EventType = "task_removed"
	EventScheduleRecomputed EventType = "schedule_recomputed"
)

// Event is delivered to store subscribers. Only the fields relevant to the
// event type are set.
type Event struct {
	Type    EventType
	RunID   string
	TaskID  string
	Task    *Task    // task_added
	Patch   Patch    // task_updated: changed keys only
	Tasks   []Task   // snapshot
	TaskIDs []string // schedule_recomputed
}

// Subscriber receives store events synchronously.
type Subscriber func(Event)

// SubscriptionID identifies a subscriber within a run.
type SubscriptionID int

type runState struct {
	tasks map[string]*Task
	subs  map[SubscriptionID]Subscriber
}

// Store holds the tasks of every run and notifies subscribers of changes.
// Callbacks run after the store lock is released, so a subscriber may call
// back into the store.
type Store struct {
	mu                sync.Mutex
	runs              map[string]*runState
	nextSub           SubscriptionID
	defaultEstimateMs int64
	now               func() int64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithDefaultEstimate sets the estimate used for tasks without one.
func WithDefaultEstimate(ms int64) StoreOption {
	return func(s *Store) { s.defaultEstimateMs = ms }
}

// WithClock overrides the millisecond clock used for createdAtMs.
func WithClock(now func() int64) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		runs:              make(map[string]*runState),
		defaultEstimateMs: DefaultEstimateMs,
		now:               func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type delivery struct {
	subs   []Subscriber
	events []Event
}

func (d delivery) send() {
	for _, ev := range d.events {
		for _, fn := range d.subs {
			fn(cloneEvent(ev))
		}
	}
}

// CreateRun seeds a run with tasks and computes its first schedule.
func (s *Store) CreateRun(runID string, tasks []Task) error {
	s.mu.Lock()
	if _, exists := s.runs[runID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("run %q already exists", runID)
	}
	rs := &runState{
		tasks: make(map[string]*Task, len(tasks)),
		subs:  make(map[SubscriptionID]Subscriber),
	}
	for _, t := range tasks {
		if t.ID == "" {
			s.mu.Unlock()
			return fmt.Errorf("run %q: task without id", runID)
		}
		if _, dup := rs.tasks[t.ID]; dup {
			s.mu.Unlock()
			return fmt.Errorf("run %q: duplicate task id %q", runID, t.ID)
		}
		stored, err := s.prepareNew(t)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		rs.tasks[t.ID] = stored
	}
	s.runs[runID] = rs
	ComputeSchedule(rs.tasks, s.defaultEstimateMs)
	s.mu.Unlock()
	return nil
}

// prepareNew normalises a new task into its stored form.
func (s *Store) prepareNew(t Task) (*Task, error) {
	doc, err := toDocument(t)
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", t.ID, err)
	}
	stored, err := fromDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", t.ID, err)
	}
	if stored.CreatedAtMs == 0 {
		stored.CreatedAtMs = s.now()
	}
	if stored.Status == "" {
		stored.Status = StatusPlanned
	}
	return &stored, nil
}

// HasRun reports whether the run exists.
func (s *Store) HasRun(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[runID]
	return ok
}

// DropRun forgets a run and all its subscribers.
func (s *Store) DropRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}

func (s *Store) run(runID string) (*runState, error) {
	rs, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %q not found", runID)
	}
	return rs, nil
}

func (rs *runState) subscribers() []Subscriber {
	ids := make([]SubscriptionID, 0, len(rs.subs))
	for id := range rs.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		out = append(out, rs.subs[id])
	}
	return out
}

// UpsertTask inserts the task, or merges its non-empty fields into the
// existing task with the same id.
func (s *Store) UpsertTask(runID string, t Task) (Task, error) {
	s.mu.Lock()
	rs, err := s.run(runID)
	if err != nil {
		s.mu.Unlock()
		return Task{}, err
	}

	existing, ok := rs.tasks[t.ID]
	if !ok {
		if t.ID == "" {
			s.mu.Unlock()
			return Task{}, fmt.Errorf("run %q: task without id", runID)
		}
		stored, err := s.prepareNew(t)
		if err != nil {
			s.mu.Unlock()
			return Task{}, err
		}
		rs.tasks[t.ID] = stored
		out := stored.Clone()
		d := delivery{subs: rs.subscribers(), events: []Event{{
			Type: EventTaskAdded, RunID: runID, TaskID: t.ID, Task: &out,
		}}}
		s.mu.Unlock()
		d.send()
		return out.Clone(), nil
	}

	patch, err := normalize(t)
	if err != nil {
		s.mu.Unlock()
		return Task{}, fmt.Errorf("task %q: %w", t.ID, err)
	}
	// Zero timing fields are always encoded; they are owned by the scheduler.
	delete(patch, "plannedStartMs")
	delete(patch, "plannedEndMs")
	updated, d, err := s.applyPatch(runID, rs, existing, patch)
	s.mu.Unlock()
	if err != nil {
		return Task{}, err
	}
	d.send()
	return updated, nil
}

// PatchTask merges patch into a task and emits the changed keys.
func (s *Store) PatchTask(runID, taskID string, patch Patch) (Task, error) {
	s.mu.Lock()
	rs, err := s.run(runID)
	if err != nil {
		s.mu.Unlock()
		return Task{}, err
	}
	existing, ok := rs.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return Task{}, fmt.Errorf("run %q: task %q not found", runID, taskID)
	}
	if id, ok := patch["id"]; ok && id != taskID {
		s.mu.Unlock()
		return Task{}, fmt.Errorf("task %q: id cannot be patched", taskID)
	}
	normalized, err := normalize(map[string]any(patch))
	if err != nil {
		s.mu.Unlock()
		return Task{}, fmt.Errorf("task %q: %w", taskID, err)
	}
	updated, d, err := s.applyPatch(runID, rs, existing, normalized)
	s.mu.Unlock()
	if err != nil {
		return Task{}, err
	}
	d.send()
	return updated, nil
}

// applyPatch must be called with s.mu held.
func (s *Store) applyPatch(runID string, rs *runState, existing *Task, patch map[string]any) (Task, delivery, error) {
	before, err := toDocument(*existing)
	if err != nil {
		return Task{}, delivery{}, fmt.Errorf("task %q: %w", existing.ID, err)
	}
	after, err := toDocument(*existing)
	if err != nil {
		return Task{}, delivery{}, fmt.Errorf("task %q: %w", existing.ID, err)
	}
	delete(patch, "id")
	mergeDocument(after, patch)
	after["id"] = existing.ID

	next, err := fromDocument(after)
	if err != nil {
		return Task{}, delivery{}, fmt.Errorf("task %q: %w", existing.ID, err)
	}
	// Re-encode so the diff compares canonical forms.
	canonical, err := toDocument(next)
	if err != nil {
		return Task{}, delivery{}, fmt.Errorf("task %q: %w", existing.ID, err)
	}
	diff := diffDocuments(before, canonical)
	*existing = next
	if len(diff) == 0 {
		return next.Clone(), delivery{}, nil
	}
	d := delivery{subs: rs.subscribers(), events: []Event{{
		Type: EventTaskUpdated, RunID: runID, TaskID: existing.ID, Patch: diff,
	}}}
	return next.Clone(), d, nil
}

// DeleteTask removes a task from the run.
func (s *Store) DeleteTask(runID, taskID string) error {
	s.mu.Lock()
	rs, err := s.run(runID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if _, ok := rs.tasks[taskID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("run %q: task %q not found", runID, taskID)
	}
	delete(rs.tasks, taskID)
	d := delivery{subs: rs.subscribers(), events: []Event{{
		Type: EventTaskRemoved, RunID: runID, TaskID: taskID,
	}}}
	s.mu.Unlock()
	d.send()
	return nil
}

// Recompute re-runs the scheduler over the run and emits one task_updated
// event per changed task followed by a schedule_recomputed summary.
func (s *Store) Recompute(runID string) (ScheduleResult, error) {
	s.mu.Lock()
	rs, err := s.run(runID)
	if err != nil {
		s.mu.Unlock()
		return ScheduleResult{}, err
	}

	before := make(map[string]map[string]any, len(rs.tasks))
	for id, t := range rs.tasks {
		doc, err := toDocument(*t)
		if err != nil {
			s.mu.Unlock()
			return ScheduleResult{}, fmt.Errorf("task %q: %w", id, err)
		}
		before[id] = doc
	}

	result := ComputeSchedule(rs.tasks, s.defaultEstimateMs)

	d := delivery{subs: rs.subscribers()}
	for _, id := range result.UpdatedIDs {
		after, err := toDocument(*rs.tasks[id])
		if err != nil {
			s.mu.Unlock()
			return ScheduleResult{}, fmt.Errorf("task %q: %w", id, err)
		}
		diff := diffDocuments(before[id], after)
		if len(diff) == 0 {
			continue
		}
		d.events = append(d.events, Event{Type: EventTaskUpdated, RunID: runID, TaskID: id, Patch: diff})
	}
	d.events = append(d.events, Event{
		Type:    EventScheduleRecomputed,
		RunID:   runID,
		TaskIDs: append([]string(nil), result.UpdatedIDs...),
	})
	s.mu.Unlock()
	d.send()
	return result, nil
}

// Get returns a copy of one task.
func (s *Store) Get(runID, taskID string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.runs[runID]
	if !ok {
		return Task{}, false
	}
	t, ok := rs.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return t.Clone(), true
}

// Tasks returns copies of all tasks in the run ordered by creation time then id.
func (s *Store) Tasks(runID string) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.runs[runID]
	if !ok {
		return nil
	}
	return rs.snapshot()
}

func (rs *runState) snapshot() []Task {
	out := make([]Task, 0, len(rs.tasks))
	for _, t := range rs.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Subscribe registers fn for the run. fn receives a full snapshot before
// Subscribe returns, then every later event.
func (s *Store) Subscribe(runID string, fn Subscriber) (SubscriptionID, error) {
	s.mu.Lock()
	rs, err := s.run(runID)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.nextSub++
	id := s.nextSub
	rs.subs[id] = fn
	snap := Event{Type: EventSnapshot, RunID: runID, Tasks: rs.snapshot()}
	s.mu.Unlock()
	fn(snap)
	return id, nil
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (s *Store) Unsubscribe(runID string, id SubscriptionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs, ok := s.runs[runID]; ok {
		delete(rs.subs, id)
	}
}

func cloneEvent(ev Event) Event {
	out := ev
	if ev.Task != nil {
		t := ev.Task.Clone()
		out.Task = &t
	}
	if ev.Patch != nil {
		out.Patch = Patch(cloneValue(map[string]any(ev.Patch), nil).(map[string]any))
	}
	if ev.Tasks != nil {
		out.Tasks = make([]Task, len(ev.Tasks))
		for i, t := range ev.Tasks {
			out.Tasks[i] = t.Clone()
		}
	}
	if ev.TaskIDs != nil {
		out.TaskIDs = append([]string(nil), ev.TaskIDs...)
	}
	return out
}

// Mutate applies fn to the stored task under the store lock and emits the
// resulting diff. It is the typed counterpart of PatchTask for callers that
// own the task lifecycle.
func (s *Store) Mutate(runID, taskID string, fn func(*Task)) (Task, error) {
	s.mu.Lock()
	rs, err := s.run(runID)
	if err != nil {
		s.mu.Unlock()
		return Task{}, err
	}
	existing, ok := rs.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return Task{}, fmt.Errorf("run %q: task %q not found", runID, taskID)
	}
	before, err := toDocument(*existing)
	if err != nil {
		s.mu.Unlock()
		return Task{}, fmt.Errorf("task %q: %w", taskID, err)
	}
	next := existing.Clone()
	fn(&next)
	next.ID = taskID
	after, err := toDocument(next)
	if err != nil {
		s.mu.Unlock()
		return Task{}, fmt.Errorf("task %q: %w", taskID, err)
	}
	canonical, err := fromDocument(after)
	if err != nil {
		s.mu.Unlock()
		return Task{}, fmt.Errorf("task %q: %w", taskID, err)
	}
	*existing = canonical
	diff := diffDocuments(before, after)
	var d delivery
	if len(diff) > 0 {
		d = delivery{subs: rs.subscribers(), events: []Event{{
			Type: EventTaskUpdated, RunID: runID, TaskID: taskID, Patch: diff,
		}}}
	}
	s.mu.Unlock()
	d.send()
	return canonical.Clone(), nil
}
