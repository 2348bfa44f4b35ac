package orchestrator

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/config"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/flow"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/handoff"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/proposal"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/sandbox"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/scheduler"
)

// MetaHandoff holds the accepted envelope on tasks created by a handoff.
const (
	MetaHandoff     = "handoff"
	MetaHandoffFrom = "handoffFrom"
)

// DependencyOutput is the recorded reply of a finished dependency.
type DependencyOutput struct {
	TaskID  string
	AgentID string
	Output  string
}

// PromptInput is everything one task's prompt is built from.
type PromptInput struct {
	Task         scheduler.Task
	AgentID      string
	Profile      config.AgentConfig
	Dependencies []DependencyOutput
	Memory       []MemoryItem
	Peers        []flow.Node
	Sandbox      *sandbox.Sandbox
}

// PromptBuilder renders task prompts. The agent section depends only on the
// profile and is cached per agent.
type PromptBuilder struct {
	mu     sync.Mutex
	static map[string]string
}

// NewPromptBuilder creates an empty builder.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{static: make(map[string]string)}
}

// Build renders the prompt for in.
func (b *PromptBuilder) Build(in PromptInput) string {
	var sb strings.Builder
	sb.WriteString(b.agentSection(in.AgentID, in.Profile))

	sb.WriteString("\n## Task\n")
	fmt.Fprintf(&sb, "ID: %s\n", in.Task.ID)
	if in.Task.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", in.Task.Title)
	}
	if instr := in.Task.MetaString(flow.MetaInstruction); instr != "" {
		fmt.Fprintf(&sb, "\n%s\n", instr)
	}

	if env := handoffFromMeta(in.Task); env != nil {
		sb.WriteString("\n## Handoff request\n")
		if from := in.Task.MetaString(MetaHandoffFrom); from != "" {
			fmt.Fprintf(&sb, "From task: %s\n", from)
		}
		fmt.Fprintf(&sb, "Intent: %s\n", env.Intent)
		writeList(&sb, "Inputs", env.Inputs)
		writeList(&sb, "Plan", env.Plan)
		writeList(&sb, "Constraints", env.Constraints)
		writeList(&sb, "Deliverables", env.Deliverables)
		writeList(&sb, "Changed files", env.ChangedFiles)
	}

	if len(in.Dependencies) > 0 {
		sb.WriteString("\n## Results from previous tasks\n")
		for _, d := range in.Dependencies {
			fmt.Fprintf(&sb, "\n### %s (%s)\n%s\n", d.TaskID, d.AgentID, strings.TrimSpace(handoff.StripBlocks(d.Output)))
		}
	}

	if len(in.Memory) > 0 {
		sb.WriteString("\n## Relevant memory\n")
		for _, m := range in.Memory {
			fmt.Fprintf(&sb, "\n[%s]\n%s\n", m.Source, m.Content)
		}
	}

	if in.Sandbox != nil {
		sb.WriteString("\n## Sandbox\n")
		fmt.Fprintf(&sb, "You are working in an isolated copy of the workspace at %s.\n", in.Sandbox.WorkDir)
		sb.WriteString("Your edits are turned into a proposal and reviewed before they reach the workspace.\n")
		writeList(&sb, "Files in scope", in.Sandbox.Files)
	}

	sb.WriteString("\n## Communication\n")
	if len(in.Peers) == 0 {
		sb.WriteString("You cannot hand work to other agents for this task.\n")
	} else {
		sb.WriteString("You may hand follow-up work to exactly these agents:\n")
		for _, p := range in.Peers {
			fmt.Fprintf(&sb, "- %s (agent %s, node %s)\n", p.Label(), p.AgentID, p.ID)
		}
		sb.WriteString("To do so, end your reply with one block:\n")
		sb.WriteString("<handoff>\n")
		sb.WriteString(`{"to": "<agent>", "intent": "<what to do>", "plan": ["<step>"], "deliverables": ["<result>"]`)
		if in.Sandbox != nil {
			fmt.Fprintf(&sb, `, "sandboxWorkDir": %q, "proposalJson": %q, "changedFiles": ["<path you edited>"]`,
				in.Sandbox.Root, filepath.Join(in.Sandbox.ProposalDir, proposal.ManifestFile))
		}
		sb.WriteString("}\n</handoff>\n")
	}
	return sb.String()
}

func (b *PromptBuilder) agentSection(agentID string, p config.AgentConfig) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.static[agentID]; ok {
		return s
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Agent: %s\n", agentID)
	writeList(&sb, "Rules", p.Rules)
	writeList(&sb, "Skills", p.Skills)
	writeList(&sb, "Tools", p.Tools)
	writeList(&sb, "MCP servers", p.MCPServers)

	s := sb.String()
	b.static[agentID] = s
	return s
}

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(sb, "- %s\n", item)
	}
}

// handoffFromMeta decodes the envelope stored on a handoff task.
func handoffFromMeta(t scheduler.Task) *handoff.Envelope {
	raw, ok := t.Meta[MetaHandoff]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var env handoff.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil
	}
	return &env
}
