package flow

import (
	"fmt"
	"sort"
	"time"

	"github.com/gammazero/toposort"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/scheduler"
)

// Meta keys set on tasks expanded from a flow.
const (
	MetaSourceNode  = "sourceNodeId"
	MetaInstruction = "instruction"
	MetaFiles       = "files"
)

// ExpandOptions tunes Expand.
type ExpandOptions struct {
	DefaultEstimateMs int64
	NowMs             int64
}

// dependencyEdge reports whether an edge orders its endpoints.
func dependencyEdge(t EdgeType) bool {
	switch t {
	case EdgeDelegation, EdgeLink, EdgeInteraction, EdgeContains:
		return true
	}
	return false
}

// communicationEdge reports whether an edge lets its source address its target.
func communicationEdge(t EdgeType) bool {
	switch t {
	case EdgeDelegation, EdgeLink, EdgeInteraction:
		return true
	}
	return false
}

// Expand turns the executable nodes of the flow into tasks. The task id is
// the node id; each dependency edge between two executable nodes makes the
// target depend on the source. Node order in the document becomes the
// creation order.
func Expand(f *Flow, opts ExpandOptions) []scheduler.Task {
	executable := make(map[string]bool, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.IsExecutable() {
			executable[n.ID] = true
		}
	}

	deps := make(map[string][]string)
	for _, e := range f.Edges {
		if !dependencyEdge(e.Type) || !executable[e.Source] || !executable[e.Target] || e.Source == e.Target {
			continue
		}
		deps[e.Target] = appendUnique(deps[e.Target], e.Source)
	}

	var tasks []scheduler.Task
	for i, n := range f.Nodes {
		if !executable[n.ID] {
			continue
		}
		estimate := n.EstimateMs
		if estimate <= 0 {
			estimate = opts.DefaultEstimateMs
		}
		t := scheduler.Task{
			ID:          n.ID,
			Title:       n.Label(),
			AgentID:     n.AgentID,
			Deps:        deps[n.ID],
			EstimateMs:  estimate,
			CreatedAtMs: opts.NowMs + int64(i),
			Status:      scheduler.StatusPlanned,
			Meta: map[string]any{
				MetaSourceNode: n.ID,
			},
		}
		if n.Priority != nil {
			p := *n.Priority
			t.Overrides.Priority = &p
		}
		if n.Instruction != "" {
			t.Meta[MetaInstruction] = n.Instruction
		}
		if len(n.Files) > 0 {
			t.Meta[MetaFiles] = append([]string(nil), n.Files...)
		}
		tasks = append(tasks, t)
	}
	return tasks
}

// Order returns the executable nodes in dependency order. A cycle is
// reported as an error; the runtime still accepts cyclic flows and blocks
// the affected tasks.
func (f *Flow) Order() ([]string, error) {
	var edges []toposort.Edge
	for _, t := range Expand(f, ExpandOptions{}) {
		if len(t.Deps) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, dep := range t.Deps {
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("flow %s contains a dependency cycle: %w", f.ID, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id == nil {
			continue
		}
		order = append(order, id.(string))
	}
	return order, nil
}

// CanCommunicate reports whether the node from may address the node to.
// A node may always address itself.
func (f *Flow) CanCommunicate(from, to string) bool {
	if from == to {
		return true
	}
	for _, e := range f.Edges {
		if e.Source == from && e.Target == to && communicationEdge(e.Type) {
			return true
		}
	}
	return false
}

// CommunicationPolicy lists the executable nodes from may hand work to,
// sorted by id.
func (f *Flow) CommunicationPolicy(from string) []Node {
	seen := make(map[string]bool)
	var out []Node
	for _, e := range f.Edges {
		if e.Source != from || !communicationEdge(e.Type) || seen[e.Target] {
			continue
		}
		if n, ok := f.Node(e.Target); ok && n.IsExecutable() {
			seen[e.Target] = true
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResolveHandoffTarget finds the node a handoff from the node from refers
// to. target may be a node id, an agent id or a node title.
func (f *Flow) ResolveHandoffTarget(from, target string) (Node, bool) {
	if target == "" {
		return Node{}, false
	}
	for _, n := range f.CommunicationPolicy(from) {
		if n.ID == target {
			return n, true
		}
	}
	for _, n := range f.CommunicationPolicy(from) {
		if n.AgentID == target || n.Title == target {
			return n, true
		}
	}
	if self, ok := f.Node(from); ok && (self.ID == target || self.AgentID == target) {
		return self, true
	}
	return Node{}, false
}

// InteractionTimeout is the smallest timeout declared by interaction edges
// touching the node.
func (f *Flow) InteractionTimeout(nodeID string) (time.Duration, bool) {
	var (
		best  time.Duration
		found bool
	)
	for _, e := range f.Edges {
		if e.Type != EdgeInteraction || (e.Source != nodeID && e.Target != nodeID) {
			continue
		}
		if d, ok := e.Interaction.Timeout(); ok && (!found || d < best) {
			best, found = d, true
		}
	}
	return best, found
}

func appendUnique(list []string, v string) []string {
	for _, item := range list {
		if item == v {
			return list
		}
	}
	return append(list, v)
}
