// Package proposal turns the edits an agent made inside its sandbox into a
// reviewable patch, and applies approved patches to the workspace.
package proposal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/fsutil"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/gitcmd"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/locks"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/sandbox"
)

// Artifact file names inside the sandbox proposal directory.
const (
	PatchFile    = "changes.patch"
	SummaryFile  = "summary.md"
	ManifestFile = "proposal.json"
)

// ManifestVersion is written into every manifest.
const ManifestVersion = 1

var ErrOutOfScope = errors.New("proposal touches files outside its scope")

// FileStatus is how a file changed.
type FileStatus string

const (
	FileAdded    FileStatus = "added"
	FileModified FileStatus = "modified"
	FileDeleted  FileStatus = "deleted"
)

// ChangedFile is one entry of the diff.
type ChangedFile struct {
	Path   string     `json:"path"`
	Status FileStatus `json:"status"`
}

// Manifest describes a proposal on disk.
type Manifest struct {
	Version      int           `json:"version"`
	RunID        string        `json:"runId"`
	AgentID      string        `json:"agentId"`
	BaseRef      string        `json:"baseRef,omitempty"`
	ChangedFiles []ChangedFile `json:"changedFiles"`
	AllowedFiles []string      `json:"allowedFiles"`
	OutOfScope   []string      `json:"outOfScope,omitempty"`
	PatchPath    string        `json:"patchPath"`
	SummaryPath  string        `json:"summaryPath"`
	Notes        string        `json:"notes,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// Paths lists the changed paths.
func (m *Manifest) Paths() []string {
	out := make([]string, len(m.ChangedFiles))
	for i, f := range m.ChangedFiles {
		out[i] = f.Path
	}
	return out
}

// Proposal is a created or loaded proposal.
type Proposal struct {
	Manifest     Manifest
	ManifestPath string
	Patch        []byte
}

// Empty reports whether the agent changed nothing.
func (p *Proposal) Empty() bool { return len(p.Manifest.ChangedFiles) == 0 }

// InScope reports whether every changed file is allowed.
func (p *Proposal) InScope() bool { return len(p.Manifest.OutOfScope) == 0 }

// Engine creates and applies proposals.
type Engine struct {
	sandboxes *sandbox.Manager
	locks     *locks.Keyed
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an engine. Path validation follows the sandbox
// manager's rules.
func NewEngine(sandboxes *sandbox.Manager, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		sandboxes: sandboxes,
		locks:     locks.NewKeyed(),
		logger:    logger,
		now:       time.Now,
	}
}

// Create diffs the sandbox input against work and writes the patch, a
// summary and the manifest into the proposal directory. allowed defaults to
// the sandbox's file list.
func (e *Engine) Create(ctx context.Context, sb *sandbox.Sandbox, allowed []string, notes string) (*Proposal, error) {
	if allowed == nil {
		allowed = sb.Files
	}
	unlock := e.sandboxes.Lock(sb)
	defer unlock()

	raw, err := gitcmd.New(sb.Root).DiffNoIndex(ctx, sandbox.InputDir, sandbox.WorkDir)
	if err != nil {
		return nil, err
	}
	patch := rewritePrefixes(raw)
	changed := ParseChangedFiles(patch)

	baseRef, err := gitcmd.New(sb.WorkspaceRoot).RevParseHead(ctx)
	if err != nil {
		e.logger.Warn("could not determine base ref", "workspace", sb.WorkspaceRoot, "error", err)
	}

	m := Manifest{
		Version:      ManifestVersion,
		RunID:        sb.RunID,
		AgentID:      sb.AgentID,
		BaseRef:      baseRef,
		ChangedFiles: changed,
		AllowedFiles: append([]string{}, allowed...),
		PatchPath:    filepath.Join(sb.ProposalDir, PatchFile),
		SummaryPath:  filepath.Join(sb.ProposalDir, SummaryFile),
		Notes:        notes,
		CreatedAt:    e.now().UTC(),
	}
	for _, f := range changed {
		if !WithinScope(f.Path, allowed) {
			m.OutOfScope = append(m.OutOfScope, f.Path)
		}
	}

	if err := fsutil.AtomicWrite(m.PatchPath, patch); err != nil {
		return nil, fmt.Errorf("failed to write patch: %w", err)
	}
	if err := fsutil.AtomicWrite(m.SummaryPath, []byte(Summary(&m))); err != nil {
		return nil, fmt.Errorf("failed to write summary: %w", err)
	}
	manifestPath := filepath.Join(sb.ProposalDir, ManifestFile)
	if err := fsutil.AtomicWriteJSON(manifestPath, &m); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	e.logger.Info("proposal created",
		"run_id", sb.RunID, "agent_id", sb.AgentID,
		"changed", len(changed), "out_of_scope", len(m.OutOfScope))
	return &Proposal{Manifest: m, ManifestPath: manifestPath, Patch: patch}, nil
}

// Load reads the proposal of a sandbox from disk.
func (e *Engine) Load(id sandbox.Identity) (*Proposal, error) {
	sb, err := e.sandboxes.Paths(id)
	if err != nil {
		return nil, err
	}
	manifestPath := filepath.Join(sb.ProposalDir, ManifestFile)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", manifestPath, err)
	}
	if !fsutil.Within(sb.ProposalDir, m.PatchPath) {
		return nil, fmt.Errorf("%w: patch %s is outside %s", ErrOutOfScope, m.PatchPath, sb.ProposalDir)
	}
	patch, err := os.ReadFile(m.PatchPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read patch: %w", err)
	}
	return &Proposal{Manifest: m, ManifestPath: manifestPath, Patch: patch}, nil
}

// ApplyResult reports an applied proposal.
type ApplyResult struct {
	Files []ChangedFile
}

// Apply re-validates the proposal of id and applies it to the workspace.
// Nothing is written unless the whole patch applies cleanly.
func (e *Engine) Apply(ctx context.Context, id sandbox.Identity) (*ApplyResult, error) {
	p, err := e.Load(id)
	if err != nil {
		return nil, err
	}

	// Trust the patch, not the manifest's file list.
	changed := ParseChangedFiles(p.Patch)
	if len(changed) == 0 {
		return &ApplyResult{}, nil
	}
	paths := make([]string, 0, len(changed))
	for _, f := range changed {
		norm, err := e.sandboxes.NormalizePath(f.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOutOfScope, err)
		}
		if !WithinScope(norm, p.Manifest.AllowedFiles) {
			return nil, fmt.Errorf("%w: %s", ErrOutOfScope, f.Path)
		}
		paths = append(paths, norm)
	}

	workspace, err := filepath.Abs(id.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}
	for _, rel := range paths {
		if _, err := fsutil.ResolveWithin(workspace, filepath.FromSlash(rel)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOutOfScope, err)
		}
	}

	keys := make([]string, len(paths))
	for i, rel := range paths {
		keys[i] = filepath.Join(workspace, filepath.FromSlash(rel))
	}
	unlock := e.locks.LockAll(keys)
	defer unlock()

	git := gitcmd.New(workspace)
	if err := git.ApplyCheck(ctx, p.Manifest.PatchPath); err != nil {
		return nil, err
	}
	if err := git.Apply(ctx, p.Manifest.PatchPath); err != nil {
		return nil, err
	}

	e.logger.Info("proposal applied", "run_id", id.RunID, "agent_id", id.AgentID, "files", len(changed))
	return &ApplyResult{Files: changed}, nil
}

// WithinScope reports whether path equals an allowed entry or lies under an
// allowed directory entry.
func WithinScope(path string, allowed []string) bool {
	for _, a := range allowed {
		a = strings.TrimSuffix(a, "/")
		if a == "" {
			continue
		}
		if path == a || strings.HasPrefix(path, a+"/") {
			return true
		}
	}
	return false
}

var sandboxDirs = []string{sandbox.InputDir, sandbox.WorkDir}

// rewritePrefixes turns a/input/x and b/work/x into a/x and b/x in the
// header lines of a no-index diff. Only the leading sandbox directory of
// each path is removed, so workspace paths that start with input/ or work/
// keep their own first segment.
func rewritePrefixes(patch []byte) []byte {
	if len(patch) == 0 {
		return patch
	}
	var out bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(patch))
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "diff --git "):
			line = "diff --git " + rewriteGitHeader(strings.TrimPrefix(line, "diff --git "))
		case strings.HasPrefix(line, "--- "):
			line = "--- " + stripSandboxDir(line[4:], "a/")
		case strings.HasPrefix(line, "+++ "):
			line = "+++ " + stripSandboxDir(line[4:], "b/")
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

// stripSandboxDir removes one sandbox directory after side ("a/" or "b/")
// at the start of path, which may be quoted.
func stripSandboxDir(path, side string) string {
	quote := ""
	if strings.HasPrefix(path, `"`) {
		quote = `"`
	}
	for _, dir := range sandboxDirs {
		prefix := quote + side + dir + "/"
		if strings.HasPrefix(path, prefix) {
			return quote + side + path[len(prefix):]
		}
	}
	return path
}

// rewriteGitHeader rewrites "a/<dir>/P b/<dir>/P". Both sides name the same
// relative path P, which is how the split point is found even when P
// contains " b/".
func rewriteGitHeader(header string) string {
	for _, quote := range []string{"", `"`} {
		for _, from := range sandboxDirs {
			for _, to := range sandboxDirs {
				left := quote + "a/" + from + "/"
				mid := quote + " " + quote + "b/" + to + "/"
				if !strings.HasPrefix(header, left) || !strings.HasSuffix(header, quote) {
					continue
				}
				rest := strings.TrimSuffix(header[len(left):], quote)
				n := len(rest) - len(mid)
				if n <= 0 || n%2 != 0 {
					continue
				}
				p := rest[:n/2]
				if rest == p+mid+p {
					return quote + "a/" + p + quote + " " + quote + "b/" + p + quote
				}
			}
		}
	}
	return header
}

// ParseChangedFiles lists the files a git patch touches, sorted by path.
func ParseChangedFiles(patch []byte) []ChangedFile {
	var (
		out     []ChangedFile
		current *ChangedFile
	)
	flush := func() {
		if current != nil {
			out = append(out, *current)
			current = nil
		}
	}
	sc := bufio.NewScanner(bytes.NewReader(patch))
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flush()
			header := strings.TrimPrefix(line, "diff --git ")
			idx := strings.LastIndex(header, " b/")
			if idx < 0 {
				continue
			}
			current = &ChangedFile{Path: header[idx+3:], Status: FileModified}
		case current != nil && strings.HasPrefix(line, "new file mode"):
			current.Status = FileAdded
		case current != nil && strings.HasPrefix(line, "deleted file mode"):
			current.Status = FileDeleted
		}
	}
	flush()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Summary renders a short human-readable description of the manifest.
func Summary(m *Manifest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Proposal from %s\n\n", m.AgentID)
	fmt.Fprintf(&b, "- run: %s\n", m.RunID)
	if m.BaseRef != "" {
		fmt.Fprintf(&b, "- base: %s\n", m.BaseRef)
	}
	fmt.Fprintf(&b, "- files changed: %d\n", len(m.ChangedFiles))
	if len(m.OutOfScope) > 0 {
		fmt.Fprintf(&b, "- out of scope: %s\n", strings.Join(m.OutOfScope, ", "))
	}
	if len(m.ChangedFiles) > 0 {
		b.WriteString("\n| status | path |\n|---|---|\n")
		for _, f := range m.ChangedFiles {
			fmt.Fprintf(&b, "| %s | %s |\n", f.Status, f.Path)
		}
	}
	if m.Notes != "" {
		fmt.Fprintf(&b, "\n## Notes\n\n%s\n", m.Notes)
	}
	return b.String()
}
