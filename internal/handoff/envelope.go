// Package handoff parses and validates the structured requests agents emit
// to pass follow-up work to another agent.
package handoff

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Limits on envelope fields.
const (
	MaxIntentLength = 2000
	MaxPathLength   = 4096
)

// Envelope is a handoff request extracted from agent output.
type Envelope struct {
	Target         string   `json:"to"`
	Intent         string   `json:"intent"`
	Inputs         []string `json:"inputs,omitempty"`
	Plan           []string `json:"plan,omitempty"`
	Constraints    []string `json:"constraints,omitempty"`
	Deliverables   []string `json:"deliverables,omitempty"`
	SandboxWorkDir string   `json:"sandboxWorkDir,omitempty"`
	ProposalJSON   string   `json:"proposalJson,omitempty"`
	ChangedFiles   []string `json:"changedFiles,omitempty"`
}

var (
	tagBlock   = regexp.MustCompile(`(?s)<handoff>\s*(.*?)\s*</handoff>`)
	fenceBlock = regexp.MustCompile("(?s)```handoff[ \\t]*\\r?\\n(.*?)```")
)

// Extract finds the first handoff block in output. Blocks are either
// wrapped in <handoff></handoff> tags or in a code fence tagged handoff, and
// hold one JSON object. Absent or malformed blocks yield (nil, false).
func Extract(output string) (*Envelope, bool) {
	type candidate struct {
		at   int
		body string
	}
	var found []candidate
	if m := tagBlock.FindStringSubmatchIndex(output); m != nil {
		found = append(found, candidate{at: m[0], body: output[m[2]:m[3]]})
	}
	if m := fenceBlock.FindStringSubmatchIndex(output); m != nil {
		found = append(found, candidate{at: m[0], body: output[m[2]:m[3]]})
	}
	if len(found) == 0 {
		return nil, false
	}
	first := found[0]
	if len(found) > 1 && found[1].at < first.at {
		first = found[1]
	}

	var env Envelope
	if err := json.Unmarshal([]byte(strings.TrimSpace(first.body)), &env); err != nil {
		return nil, false
	}
	env.Target = strings.TrimSpace(env.Target)
	env.Intent = strings.TrimSpace(env.Intent)
	return &env, true
}

// StripBlocks removes handoff blocks from output, leaving the prose.
func StripBlocks(output string) string {
	out := tagBlock.ReplaceAllString(output, "")
	out = fenceBlock.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}
