// Package flow models the agent flow graph a run is expanded from: agent
// nodes, the edges that delegate work or open communication between them,
// and the interaction policies attached to collaboration edges.
package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/fsutil"
)

// NodeKind classifies flow nodes. Only agent nodes become tasks.
type NodeKind string

const (
	NodeAgent  NodeKind = "agent"
	NodeSystem NodeKind = "system"
	NodeNote   NodeKind = "note"
)

// EdgeType is the relation an edge expresses.
type EdgeType string

const (
	EdgeDelegation  EdgeType = "delegation"
	EdgeLink        EdgeType = "link"
	EdgeContains    EdgeType = "contains"
	EdgeInteraction EdgeType = "interaction"
)

// Flow is a saved agent graph.
type Flow struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []Node `json:"nodes" yaml:"nodes"`
	Edges       []Edge `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// Node is one element of the canvas.
type Node struct {
	ID          string   `json:"id" yaml:"id"`
	Kind        NodeKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	AgentID     string   `json:"agentId,omitempty" yaml:"agentId,omitempty"`
	Title       string   `json:"title,omitempty" yaml:"title,omitempty"`
	Instruction string   `json:"instruction,omitempty" yaml:"instruction,omitempty"`
	Files       []string `json:"files,omitempty" yaml:"files,omitempty"`
	EstimateMs  int64    `json:"estimateMs,omitempty" yaml:"estimateMs,omitempty"`
	Priority    *int     `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Edge connects two nodes.
type Edge struct {
	ID          string             `json:"id,omitempty" yaml:"id,omitempty"`
	Source      string             `json:"source" yaml:"source"`
	Target      string             `json:"target" yaml:"target"`
	Type        EdgeType           `json:"type" yaml:"type"`
	Interaction *InteractionPolicy `json:"interaction,omitempty" yaml:"interaction,omitempty"`
}

// IsExecutable reports whether the node becomes a task.
func (n Node) IsExecutable() bool {
	return n.Kind == NodeAgent || (n.Kind == "" && n.AgentID != "")
}

// Label is the human-facing name of the node.
func (n Node) Label() string {
	if n.Title != "" {
		return n.Title
	}
	if n.AgentID != "" {
		return n.AgentID
	}
	return n.ID
}

// Node looks up a node by id.
func (f *Flow) Node(id string) (Node, bool) {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Parse decodes a flow from YAML or JSON bytes and validates it.
func Parse(data []byte) (*Flow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("flow: definition payload is empty")
	}
	var f Flow
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("flow: decode definition: %w", err)
	}
	f.normalize()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads and validates a flow file.
func Load(path string) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("flow: read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("flow: %s: %w", path, err)
	}
	return f, nil
}

// Save validates f and writes it atomically. The encoding follows the file
// extension: .json writes JSON, anything else YAML.
func Save(f *Flow, path string) error {
	if err := f.Validate(); err != nil {
		return err
	}
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(f, "", "  ")
	default:
		data, err = yaml.Marshal(f)
	}
	if err != nil {
		return fmt.Errorf("flow: encode %s: %w", path, err)
	}
	if err := fsutil.AtomicWrite(path, data); err != nil {
		return fmt.Errorf("flow: write %s: %w", path, err)
	}
	return nil
}

func (f *Flow) normalize() {
	for i := range f.Nodes {
		n := &f.Nodes[i]
		n.ID = strings.TrimSpace(n.ID)
		n.AgentID = strings.TrimSpace(n.AgentID)
		if n.Kind == "" && n.AgentID != "" {
			n.Kind = NodeAgent
		}
	}
	for i := range f.Edges {
		e := &f.Edges[i]
		e.Source = strings.TrimSpace(e.Source)
		e.Target = strings.TrimSpace(e.Target)
		if e.Type == "" {
			e.Type = EdgeLink
		}
		if e.ID == "" {
			e.ID = fmt.Sprintf("%s->%s", e.Source, e.Target)
		}
	}
}
