package scheduler

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"
)

// DefaultEstimateMs is used for tasks without a positive estimate.
const DefaultEstimateMs int64 = 60000

const (
	reasonCycle         = "dependency cycle detected"
	reasonMissingPrefix = "missing dependencies: "
)

// ScheduleResult summarises one scheduling pass.
type ScheduleResult struct {
	UpdatedIDs []string // Tasks whose timing, status or blocker changed
	BlockedIDs []string // Tasks moved into blocked by this pass
}

type observed struct {
	start, end int64
	status     TaskStatus
	blocker    Blocker
	hasBlocker bool
}

func observe(t *Task) observed {
	o := observed{start: t.PlannedStartMs, end: t.PlannedEndMs, status: t.Status}
	if t.Blocker != nil {
		o.blocker = *t.Blocker
		o.hasBlocker = true
	}
	return o
}

// ComputeSchedule assigns planned start/end times to every reachable task
// using Kahn's algorithm with single-occupancy lanes, promotes reachable
// planned tasks to ready and blocks tasks with missing dependencies or that
// sit on a dependency cycle. Tasks are mutated in place. Terminal statuses
// are never changed. Running it twice on the same input changes nothing the
// second time. A forced start is not delayed by its lane, so a forced task
// may overlap the lane's earlier work.
func ComputeSchedule(tasks map[string]*Task, defaultEstimateMs int64) ScheduleResult {
	if defaultEstimateMs <= 0 {
		defaultEstimateMs = DefaultEstimateMs
	}

	before := make(map[string]observed, len(tasks))
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	deps := make(map[string][]string, len(tasks))
	missing := make(map[string][]string)

	for id, t := range tasks {
		before[id] = observe(t)
		seen := make(map[string]bool, len(t.Deps))
		for _, dep := range t.Deps {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if _, ok := tasks[dep]; !ok {
				missing[id] = append(missing[id], dep)
				continue
			}
			deps[id] = append(deps[id], dep)
			dependents[dep] = append(dependents[dep], id)
			indegree[id]++
		}
	}

	queue := &readyQueue{}
	for id, t := range tasks {
		if indegree[id] == 0 {
			heap.Push(queue, t)
		}
	}

	laneAvailable := make(map[string]int64)
	dequeued := make(map[string]bool, len(tasks))

	for queue.Len() > 0 {
		t := heap.Pop(queue).(*Task)
		dequeued[t.ID] = true

		var depsFinish int64
		for _, dep := range deps[t.ID] {
			if end := tasks[dep].PlannedEndMs; end > depsFinish {
				depsFinish = end
			}
		}

		lane := t.Lane()
		var start int64
		if t.Overrides.ForceStartMs != nil {
			start = max(*t.Overrides.ForceStartMs, depsFinish)
		} else {
			start = max(depsFinish, laneAvailable[lane])
		}
		estimate := t.EstimateMs
		if estimate <= 0 {
			estimate = defaultEstimateMs
		}
		t.PlannedStartMs = start
		t.PlannedEndMs = start + estimate
		laneAvailable[lane] = max(laneAvailable[lane], t.PlannedEndMs)

		for _, next := range dependents[t.ID] {
			indegree[next]--
			if indegree[next] == 0 {
				heap.Push(queue, tasks[next])
			}
		}
	}

	var result ScheduleResult
	for id, t := range tasks {
		if t.Status == "" {
			t.Status = StatusPlanned
		}
		if t.Status.IsTerminal() {
			continue
		}
		switch {
		case len(missing[id]) > 0:
			list := append([]string(nil), missing[id]...)
			sort.Strings(list)
			block(t, reasonMissingPrefix+strings.Join(list, ", "))
			result.BlockedIDs = append(result.BlockedIDs, id)
		case !dequeued[id]:
			block(t, reasonCycle)
			result.BlockedIDs = append(result.BlockedIDs, id)
		case t.Status == StatusPlanned:
			t.Status = StatusReady
		}
	}

	for id, t := range tasks {
		if observe(t) != before[id] {
			result.UpdatedIDs = append(result.UpdatedIDs, id)
		}
	}
	sort.Strings(result.UpdatedIDs)
	sort.Strings(result.BlockedIDs)
	return result
}

func block(t *Task, message string) {
	t.Status = StatusBlocked
	t.Blocker = &Blocker{Kind: BlockerError, Message: message}
}

// MissingDependencies lists the deps of t that are absent from tasks.
func MissingDependencies(t *Task, tasks map[string]*Task) []string {
	var out []string
	for _, dep := range t.Deps {
		if _, ok := tasks[dep]; !ok {
			out = append(out, dep)
		}
	}
	return out
}

// readyQueue orders tasks by priority desc, pinned desc, createdAtMs asc, id asc.
type readyQueue []*Task

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if pa, pb := a.priority(), b.priority(); pa != pb {
		return pa > pb
	}
	if a.Overrides.Pinned != b.Overrides.Pinned {
		return a.Overrides.Pinned
	}
	if a.CreatedAtMs != b.CreatedAtMs {
		return a.CreatedAtMs < b.CreatedAtMs
	}
	return a.ID < b.ID
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(*Task)) }

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// String renders the result for logs.
func (r ScheduleResult) String() string {
	return fmt.Sprintf("updated=%v blocked=%v", r.UpdatedIDs, r.BlockedIDs)
}
