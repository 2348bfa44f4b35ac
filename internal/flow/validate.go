package flow

import (
	"errors"
	"fmt"
)

// ValidationError locates one problem in a flow document.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

var knownEdgeTypes = map[EdgeType]bool{
	EdgeDelegation:  true,
	EdgeLink:        true,
	EdgeContains:    true,
	EdgeInteraction: true,
}

// Validate ensures the flow is self-consistent. All problems are reported
// together.
func (f *Flow) Validate() error {
	var errs []error
	fail := func(path, reason string, args ...any) {
		errs = append(errs, &ValidationError{Path: path, Reason: fmt.Sprintf(reason, args...)})
	}

	if f.ID == "" {
		fail("id", "is required")
	}

	ids := make(map[string]bool, len(f.Nodes))
	for i, n := range f.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			fail(path+".id", "is required")
			continue
		}
		if ids[n.ID] {
			fail(path+".id", "duplicate node id %q", n.ID)
		}
		ids[n.ID] = true
		switch n.Kind {
		case NodeAgent:
			if n.AgentID == "" {
				fail(path+".agentId", "is required for agent nodes")
			}
		case NodeSystem, NodeNote, "":
		default:
			fail(path+".kind", "unknown node kind %q", n.Kind)
		}
		if n.EstimateMs < 0 {
			fail(path+".estimateMs", "must not be negative")
		}
	}

	for i, e := range f.Edges {
		path := fmt.Sprintf("edges[%d](%s)", i, e.ID)
		if !ids[e.Source] {
			fail(path+".source", "unknown node %q", e.Source)
		}
		if !ids[e.Target] {
			fail(path+".target", "unknown node %q", e.Target)
		}
		if !knownEdgeTypes[e.Type] {
			fail(path+".type", "unknown edge type %q", e.Type)
		}
		if e.Type != EdgeInteraction && e.Interaction != nil {
			fail(path+".interaction", "only interaction edges carry a policy")
		}
	}

	if err := f.ValidateInteractionEdges(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("flow %s: %w", f.ID, errors.Join(errs...))
}
