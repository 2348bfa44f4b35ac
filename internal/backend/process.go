package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// waitDelay bounds how long Wait keeps draining pipes held open by
// descendants after the process group was killed.
const waitDelay = 2 * time.Second

// maxStderrInError caps the stderr excerpt carried by an InvocationError.
const maxStderrInError = 4096

// InvocationKind classifies why an invocation failed.
type InvocationKind string

const (
	KindSpawn    InvocationKind = "spawn"
	KindExit     InvocationKind = "exit"
	KindTimeout  InvocationKind = "timeout"
	KindCanceled InvocationKind = "canceled"
	KindAPI      InvocationKind = "api"
)

// InvocationError is returned by every adapter when a call to the agent fails.
type InvocationError struct {
	Kind     InvocationKind
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *InvocationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Command, e.Kind)
	if e.Kind == KindExit {
		fmt.Fprintf(&b, " (code %d)", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Stderr != "" {
		fmt.Fprintf(&b, " (stderr: %s)", e.Stderr)
	}
	return b.String()
}

func (e *InvocationError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is an invocation that hit its deadline.
func IsTimeout(err error) bool {
	var ie *InvocationError
	return errors.As(err, &ie) && ie.Kind == KindTimeout
}

// IsCanceled reports whether err is an invocation stopped by cancellation.
func IsCanceled(err error) bool {
	var ie *InvocationError
	return errors.As(err, &ie) && ie.Kind == KindCanceled
}

// newCommand creates an exec.Cmd in its own process group. When ctx is done
// the whole group is killed, not just the direct child.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay
	return cmd
}

// executeCommand runs cmd to completion and returns its output. Both streams
// are collected by os/exec concurrently so large output cannot deadlock.
// The process is tracked by pm while it runs, if pm is non-nil.
func executeCommand(ctx context.Context, cmd *exec.Cmd, pm *ProcessManager) (stdout []byte, stderr []byte, err error) {
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	name := cmd.Path
	if len(cmd.Args) > 0 {
		name = cmd.Args[0]
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, &InvocationError{Kind: KindSpawn, Command: name, ExitCode: -1, Err: err}
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	waitErr := cmd.Wait()
	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()
	if waitErr == nil {
		return stdout, stderr, nil
	}

	ie := &InvocationError{
		Kind:     KindExit,
		Command:  name,
		ExitCode: -1,
		Stderr:   truncate(strings.TrimSpace(string(stderr)), maxStderrInError),
		Err:      waitErr,
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		ie.ExitCode = exitErr.ExitCode()
	}
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		ie.Kind = KindTimeout
		ie.Err = ctxErr
	case errors.Is(ctxErr, context.Canceled):
		ie.Kind = KindCanceled
		ie.Err = ctxErr
	}
	return stdout, stderr, ie
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// killProcessGroup kills the entire process group associated with the command.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	// Negative pid addresses the group.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// ProcessManager tracks running agent subprocesses so they can all be
// terminated on shutdown.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess after it exited.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates all tracked process groups.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of currently tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
