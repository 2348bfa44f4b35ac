package handoff

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/fsutil"
)

var (
	ErrInvalidEnvelope     = errors.New("invalid handoff envelope")
	ErrOutOfScope          = errors.New("handoff path out of scope")
	ErrCommunicationDenied = errors.New("communication not allowed")
)

// AssertValidEnvelope checks the shape of an envelope.
func AssertValidEnvelope(env *Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: envelope is nil", ErrInvalidEnvelope)
	}
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidEnvelope, fmt.Sprintf(format, args...)))
	}

	intent := strings.TrimSpace(env.Intent)
	switch {
	case intent == "":
		fail("intent is required")
	case len(intent) > MaxIntentLength:
		fail("intent exceeds %d characters", MaxIntentLength)
	}

	if nonEmpty(env.Inputs) == 0 && nonEmpty(env.Plan) == 0 &&
		nonEmpty(env.Constraints) == 0 && nonEmpty(env.Deliverables) == 0 {
		fail("one of inputs, plan, constraints or deliverables is required")
	}

	checkPath := func(name, value string) {
		switch {
		case strings.TrimSpace(value) == "":
			fail("%s is required", name)
		case len(value) > MaxPathLength:
			fail("%s exceeds %d characters", name, MaxPathLength)
		}
	}
	checkPath("sandboxWorkDir", env.SandboxWorkDir)
	checkPath("proposalJson", env.ProposalJSON)

	if nonEmpty(env.ChangedFiles) == 0 {
		fail("at least one changed file is required")
	}
	for _, f := range env.ChangedFiles {
		if len(f) > MaxPathLength {
			fail("changed file path exceeds %d characters", MaxPathLength)
			break
		}
	}
	return errors.Join(errs...)
}

// AssertPathsWithinScope checks that the sandbox work dir lies inside the
// issuing agent's sandbox root, the proposal manifest inside the work dir,
// and every changed file inside the workspace. Relative changed files are
// taken relative to the workspace root.
func AssertPathsWithinScope(env *Envelope, sandboxRoot, workspaceRoot string) error {
	root, err := fsutil.Resolve(sandboxRoot)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfScope, err)
	}
	workDir, err := fsutil.Resolve(env.SandboxWorkDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfScope, err)
	}
	if !fsutil.Within(root, workDir) {
		return fmt.Errorf("%w: sandboxWorkDir %s is outside sandbox %s", ErrOutOfScope, env.SandboxWorkDir, sandboxRoot)
	}

	proposal := env.ProposalJSON
	if !filepath.IsAbs(proposal) {
		proposal = filepath.Join(workDir, proposal)
	}
	proposal, err = fsutil.Resolve(proposal)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfScope, err)
	}
	if !fsutil.Within(workDir, proposal) || proposal == workDir {
		return fmt.Errorf("%w: proposalJson %s is outside %s", ErrOutOfScope, env.ProposalJSON, env.SandboxWorkDir)
	}
	if !strings.EqualFold(filepath.Ext(proposal), ".json") {
		return fmt.Errorf("%w: proposalJson %s is not a JSON file", ErrOutOfScope, env.ProposalJSON)
	}

	workspace, err := fsutil.Resolve(workspaceRoot)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfScope, err)
	}
	for _, f := range env.ChangedFiles {
		p := f
		if !filepath.IsAbs(p) {
			p = filepath.Join(workspace, p)
		}
		resolved, err := fsutil.Resolve(p)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrOutOfScope, err)
		}
		if !fsutil.Within(workspace, resolved) || resolved == workspace {
			return fmt.Errorf("%w: changed file %s is outside the workspace", ErrOutOfScope, f)
		}
	}
	return nil
}

// CommunicationGraph answers whether one node may address another.
type CommunicationGraph interface {
	CanCommunicate(from, to string) bool
}

// AssertDirectedCommunicationAllowed fails unless the graph has a
// delegation, link or interaction edge from from to to. Self-addressing is
// always allowed.
func AssertDirectedCommunicationAllowed(graph CommunicationGraph, from, to string) error {
	if from == to {
		return nil
	}
	if graph == nil || !graph.CanCommunicate(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrCommunicationDenied, from, to)
	}
	return nil
}

func nonEmpty(list []string) int {
	n := 0
	for _, s := range list {
		if strings.TrimSpace(s) != "" {
			n++
		}
	}
	return n
}
