// Package sandbox prepares isolated per-agent copies of workspace files so
// an agent can edit freely without touching the real workspace.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/fsutil"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/locks"
)

// StateDir is the per-workspace directory holding run state.
const StateDir = ".agentcanvas"

// Directory names inside a sandbox.
const (
	InputDir    = "input"
	WorkDir     = "work"
	ProposalDir = "proposal"
)

// DefaultDenied lists top-level workspace entries a sandbox never copies.
var DefaultDenied = []string{
	StateDir, ".git", ".hg", ".svn",
	"node_modules", ".venv", "venv", "__pycache__",
	"dist", "build", "target", "out", ".next", "vendor",
}

// ErrInvalidPath is returned for file paths that may not enter a sandbox.
var ErrInvalidPath = errors.New("invalid sandbox path")

// Identity names one sandbox.
type Identity struct {
	WorkspaceRoot string
	RunID         string
	AgentID       string
}

// Sandbox is a prepared sandbox on disk.
type Sandbox struct {
	Identity
	Root        string   // <base>/<run>/<agent>
	InputDir    string   // pristine copies
	WorkDir     string   // agent-editable copies
	ProposalDir string   // proposal artifacts
	Files       []string // normalised workspace-relative paths in scope
}

// Manager creates and locates sandboxes.
type Manager struct {
	baseDir     string
	denied      map[string]bool
	concurrency int
	locks       *locks.Keyed
	logger      *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithBaseDir stores sandboxes under dir instead of <workspace>/.agentcanvas/sandboxes.
// A relative dir is taken relative to the workspace root.
func WithBaseDir(dir string) Option {
	return func(m *Manager) { m.baseDir = dir }
}

// WithDenied replaces the default deny list.
func WithDenied(names []string) Option {
	return func(m *Manager) {
		m.denied = make(map[string]bool, len(names))
		for _, n := range names {
			m.denied[n] = true
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a sandbox manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		concurrency: 8,
		locks:       locks.NewKeyed(),
		logger:      slog.Default(),
	}
	WithDenied(DefaultDenied)(m)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeSegment(s string) (string, error) {
	clean := unsafeSegment.ReplaceAllString(strings.TrimSpace(s), "_")
	clean = strings.Trim(clean, ".")
	if clean == "" {
		return "", fmt.Errorf("%w: empty identity segment %q", ErrInvalidPath, s)
	}
	return clean, nil
}

// Paths computes the deterministic layout for id without touching disk.
func (m *Manager) Paths(id Identity) (*Sandbox, error) {
	if id.WorkspaceRoot == "" {
		return nil, fmt.Errorf("%w: workspace root is required", ErrInvalidPath)
	}
	workspace, err := filepath.Abs(id.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}
	run, err := safeSegment(id.RunID)
	if err != nil {
		return nil, err
	}
	agent, err := safeSegment(id.AgentID)
	if err != nil {
		return nil, err
	}

	base := m.baseDir
	switch {
	case base == "":
		base = filepath.Join(workspace, StateDir, "sandboxes")
	case !filepath.IsAbs(base):
		base = filepath.Join(workspace, base)
	}
	root := filepath.Join(base, run, agent)
	id.WorkspaceRoot = workspace
	return &Sandbox{
		Identity:    id,
		Root:        root,
		InputDir:    filepath.Join(root, InputDir),
		WorkDir:     filepath.Join(root, WorkDir),
		ProposalDir: filepath.Join(root, ProposalDir),
	}, nil
}

// NormalizePath validates a workspace-relative path and returns it in
// cleaned slash form. Empty, absolute, parent-traversing and denied
// top-level paths are rejected.
func (m *Manager) NormalizePath(p string) (string, error) {
	raw := strings.TrimSpace(p)
	if raw == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	slashed := strings.ReplaceAll(raw, "\\", "/")
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(raw) || hasDriveLetter(slashed) {
		return "", fmt.Errorf("%w: absolute path %q", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: parent traversal in %q", ErrInvalidPath, p)
		}
	}
	clean := path.Clean(slashed)
	if clean == "." {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	top := strings.SplitN(clean, "/", 2)[0]
	if m.denied[top] {
		return "", fmt.Errorf("%w: %q is under denied directory %s", ErrInvalidPath, p, top)
	}
	return clean, nil
}

func hasDriveLetter(p string) bool {
	return len(p) >= 2 && p[1] == ':' && ((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}

// Prepare wipes any previous sandbox for id, recreates its directories and
// copies each listed file into both input and work. Files that do not exist
// yet are kept in scope but not copied.
func (m *Manager) Prepare(ctx context.Context, id Identity, files []string) (*Sandbox, error) {
	sb, err := m.Paths(id)
	if err != nil {
		return nil, err
	}

	normalized, err := m.normalizeAll(files)
	if err != nil {
		return nil, err
	}
	sb.Files = normalized

	m.locks.Lock(sb.Root)
	defer m.locks.Unlock(sb.Root)

	if err := os.RemoveAll(sb.Root); err != nil {
		return nil, fmt.Errorf("failed to clear sandbox %s: %w", sb.Root, err)
	}
	for _, dir := range []string{sb.InputDir, sb.WorkDir, sb.ProposalDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sandbox dir %s: %w", dir, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, rel := range normalized {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return m.copyIn(sb, rel)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m.logger.Debug("sandbox prepared",
		"run_id", id.RunID, "agent_id", id.AgentID, "root", sb.Root, "files", len(normalized))
	return sb, nil
}

func (m *Manager) normalizeAll(files []string) ([]string, error) {
	normalized := make([]string, 0, len(files))
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		n, err := m.NormalizePath(f)
		if err != nil {
			return nil, err
		}
		if !seen[n] {
			seen[n] = true
			normalized = append(normalized, n)
		}
	}
	return normalized, nil
}

func (m *Manager) copyIn(sb *Sandbox, rel string) error {
	src, err := fsutil.ResolveWithin(sb.WorkspaceRoot, filepath.FromSlash(rel))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	// A symlink may point at a denied directory inside the workspace.
	if root, err := fsutil.Resolve(sb.WorkspaceRoot); err == nil {
		if target, err := filepath.Rel(root, src); err == nil && target != filepath.FromSlash(rel) {
			if _, err := m.NormalizePath(filepath.ToSlash(target)); err != nil {
				return fmt.Errorf("%s resolves to %s: %w", rel, target, err)
			}
		}
	}
	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrInvalidPath, rel)
	}
	for _, dir := range []string{sb.InputDir, sb.WorkDir} {
		if err := fsutil.CopyFile(src, filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the sandbox for id if it has been prepared.
func (m *Manager) Lookup(id Identity) (*Sandbox, bool) {
	sb, err := m.Paths(id)
	if err != nil {
		return nil, false
	}
	if info, err := os.Stat(sb.WorkDir); err != nil || !info.IsDir() {
		return nil, false
	}
	return sb, true
}

// Open returns the existing sandbox of id with files as its scope, or
// prepares a new one. An existing work tree is left untouched.
func (m *Manager) Open(ctx context.Context, id Identity, files []string) (*Sandbox, error) {
	sb, ok := m.Lookup(id)
	if !ok {
		return m.Prepare(ctx, id, files)
	}
	normalized, err := m.normalizeAll(files)
	if err != nil {
		return nil, err
	}
	sb.Files = normalized
	m.logger.Debug("sandbox reused", "run_id", id.RunID, "agent_id", id.AgentID, "root", sb.Root)
	return sb, nil
}

// Exists reports whether id has a prepared sandbox.
func (m *Manager) Exists(id Identity) bool {
	_, ok := m.Lookup(id)
	return ok
}

// Remove deletes the sandbox for id.
func (m *Manager) Remove(id Identity) error {
	sb, err := m.Paths(id)
	if err != nil {
		return err
	}
	m.locks.Lock(sb.Root)
	defer m.locks.Unlock(sb.Root)
	return os.RemoveAll(sb.Root)
}

// Lock serialises work on one sandbox, e.g. creating a proposal from it.
func (m *Manager) Lock(sb *Sandbox) (unlock func()) {
	m.locks.Lock(sb.Root)
	return func() { m.locks.Unlock(sb.Root) }
}

// Rebase replaces the input tree with a copy of the work tree, so the next
// proposal only carries edits made after an applied one.
func (m *Manager) Rebase(sb *Sandbox) error {
	m.locks.Lock(sb.Root)
	defer m.locks.Unlock(sb.Root)

	if err := os.RemoveAll(sb.InputDir); err != nil {
		return fmt.Errorf("failed to clear %s: %w", sb.InputDir, err)
	}
	if err := os.MkdirAll(sb.InputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", sb.InputDir, err)
	}
	return filepath.WalkDir(sb.WorkDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(sb.WorkDir, p)
		if err != nil {
			return err
		}
		return fsutil.CopyFile(p, filepath.Join(sb.InputDir, rel))
	})
}
