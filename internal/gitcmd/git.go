// Package gitcmd runs the handful of git commands proposals need.
package gitcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes git in a fixed directory.
type Runner struct {
	Dir    string
	Binary string // defaults to "git"
}

// New returns a runner for dir.
func New(dir string) *Runner {
	return &Runner{Dir: dir}
}

func (r *Runner) command(ctx context.Context, args ...string) *exec.Cmd {
	bin := r.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = r.Dir
	// Keep user config (pagers, external diff drivers, color) out of output we parse.
	cmd.Env = append(cmd.Environ(), "GIT_PAGER=cat", "GIT_CONFIG_NOSYSTEM=1")
	return cmd
}

// RevParseHead returns the commit HEAD points at, or "" when Dir is not
// inside a repository or has no commits.
func (r *Runner) RevParseHead(ctx context.Context) (string, error) {
	cmd := r.command(ctx, "rev-parse", "--verify", "--quiet", "HEAD")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", nil
		}
		return "", fmt.Errorf("failed to run git rev-parse: %w", err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// DiffNoIndex produces a binary-safe unified diff between two paths relative
// to Dir. git exits 1 when the trees differ; that is not an error here.
func (r *Runner) DiffNoIndex(ctx context.Context, from, to string) ([]byte, error) {
	cmd := r.command(ctx, "-c", "core.quotepath=off", "diff", "--no-index", "--binary",
		"--no-color", "--no-renames", "--no-ext-diff", "--full-index",
		"--src-prefix=a/", "--dst-prefix=b/", "--", from, to)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return nil, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return stdout.Bytes(), nil
	}
	return nil, fmt.Errorf("failed to diff %s and %s: %w (output: %s)", from, to, err, stderr.String())
}

// ApplyCheck verifies that a patch file applies cleanly without changing anything.
func (r *Runner) ApplyCheck(ctx context.Context, patchPath string) error {
	output, err := r.command(ctx, "apply", "--check", "--binary", "--whitespace=nowarn", patchPath).CombinedOutput()
	if err != nil {
		return fmt.Errorf("patch does not apply: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Apply applies a patch file to Dir.
func (r *Runner) Apply(ctx context.Context, patchPath string) error {
	output, err := r.command(ctx, "apply", "--binary", "--whitespace=nowarn", patchPath).CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to apply patch: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}
