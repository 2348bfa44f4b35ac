package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func fakeAgent(t *testing.T) string {
	t.Helper()
	p, err := filepath.Abs(filepath.Join("testdata", "fake-agent.sh"))
	if err != nil {
		t.Fatalf("Failed to resolve fake agent: %v", err)
	}
	return p
}

// TestExecuteCommand_BasicExecution verifies basic command execution
func TestExecuteCommand_BasicExecution(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "echo", "hello")

	stdout, stderr, err := executeCommand(ctx, cmd, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(string(stdout), "hello") {
		t.Errorf("Expected stdout to contain 'hello', got: %s", stdout)
	}
	if len(stderr) > 0 {
		t.Errorf("Expected empty stderr, got: %s", stderr)
	}
}

// TestExecuteCommand_LargeOutput verifies output well above the pipe buffer
// does not deadlock.
func TestExecuteCommand_LargeOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := newCommand(ctx, "bash", fakeAgent(t), "--large-output", "256")

	start := time.Now()
	stdout, _, err := executeCommand(ctx, cmd, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v (took %v)", err, time.Since(start))
	}
	if len(stdout) != 256*1024 {
		t.Errorf("Expected %d bytes of output, got %d", 256*1024, len(stdout))
	}
}

// TestExecuteCommand_StderrCapture verifies both stdout and stderr are captured
func TestExecuteCommand_StderrCapture(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "bash", "-c", "echo error >&2; echo ok")

	stdout, stderr, err := executeCommand(ctx, cmd, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(string(stdout), "ok") {
		t.Errorf("Expected stdout to contain 'ok', got: %s", stdout)
	}
	if !strings.Contains(string(stderr), "error") {
		t.Errorf("Expected stderr to contain 'error', got: %s", stderr)
	}
}

// TestExecuteCommand_Timeout verifies a deadline kills the subprocess and is
// reported as a timeout.
func TestExecuteCommand_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	cmd := newCommand(ctx, "bash", fakeAgent(t), "--sleep", "30")

	start := time.Now()
	_, _, err := executeCommand(ctx, cmd, nil)
	if err == nil {
		t.Fatal("Expected error due to deadline, got nil")
	}
	if !IsTimeout(err) {
		t.Errorf("Expected timeout invocation error, got: %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected error to wrap context.DeadlineExceeded, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Subprocess outlived its deadline by too much: %v", elapsed)
	}
}

// TestExecuteCommand_Canceled verifies cancellation is distinguished from timeouts.
func TestExecuteCommand_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := newCommand(ctx, "bash", fakeAgent(t), "--sleep", "30")

	time.AfterFunc(200*time.Millisecond, cancel)
	_, _, err := executeCommand(ctx, cmd, nil)
	if !IsCanceled(err) {
		t.Fatalf("Expected canceled invocation error, got: %v", err)
	}
}

// TestExecuteCommand_SpawnFailure verifies a missing binary is a spawn error.
func TestExecuteCommand_SpawnFailure(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "definitely-not-an-agent-binary")

	_, _, err := executeCommand(ctx, cmd, nil)
	var ie *InvocationError
	if !errors.As(err, &ie) {
		t.Fatalf("Expected *InvocationError, got %T: %v", err, err)
	}
	if ie.Kind != KindSpawn {
		t.Errorf("Expected kind %q, got %q", KindSpawn, ie.Kind)
	}
}

// TestExecuteCommand_NonZeroExitCode verifies error details and output capture on failure
func TestExecuteCommand_NonZeroExitCode(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "bash", fakeAgent(t), "--echo", "test-output", "--stderr", "boom", "--exit-code", "3")

	stdout, _, err := executeCommand(ctx, cmd, nil)
	if err == nil {
		t.Fatal("Expected error due to non-zero exit code, got nil")
	}
	if !strings.Contains(string(stdout), "test-output") {
		t.Errorf("Expected stdout to be captured despite error, got: %s", stdout)
	}

	var ie *InvocationError
	if !errors.As(err, &ie) {
		t.Fatalf("Expected *InvocationError, got %T: %v", err, err)
	}
	if ie.Kind != KindExit || ie.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got kind=%s code=%d", ie.Kind, ie.ExitCode)
	}
	if ie.Stderr != "boom" {
		t.Errorf("Expected stderr 'boom', got %q", ie.Stderr)
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Errorf("Expected error to wrap *exec.ExitError, got %T", err)
	}
}

// TestExecuteCommand_TracksWhileRunning verifies the process manager sees the
// process only while it runs.
func TestExecuteCommand_TracksWhileRunning(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()
	cmd := newCommand(ctx, "bash", fakeAgent(t), "--sleep", "1")

	done := make(chan error, 1)
	go func() {
		_, _, err := executeCommand(ctx, cmd, pm)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for pm.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pm.Count() != 1 {
		t.Fatalf("Expected 1 tracked process, got %d", pm.Count())
	}
	if err := <-done; err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes after exit, got %d", pm.Count())
	}
}

// TestProcessManager_TrackAndKillAll verifies ProcessManager tracks and terminates processes
func TestProcessManager_TrackAndKillAll(t *testing.T) {
	pm := NewProcessManager()
	cmd := newCommand(context.Background(), "bash", fakeAgent(t), "--sleep", "300")

	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	pm.Track(cmd)
	if pm.Count() != 1 {
		t.Errorf("Expected 1 tracked process, got %d", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll failed: %v", err)
	}

	err := cmd.Wait()
	if err == nil {
		t.Error("Expected process to be killed (non-nil error), got nil")
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && !status.Signaled() {
			t.Errorf("Expected process to be signaled, got exit status: %v", status)
		}
	}

	pm.Untrack(cmd)
	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes after Untrack, got %d", pm.Count())
	}
}

// TestProcessManager_KillsProcessTree verifies the whole process group dies.
func TestProcessManager_KillsProcessTree(t *testing.T) {
	if _, err := exec.LookPath("pgrep"); err != nil {
		t.Skip("pgrep not available")
	}
	pm := NewProcessManager()
	cmd := newCommand(context.Background(), "bash", fakeAgent(t), "--spawn-child", "--sleep", "30")

	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	parentPID := cmd.Process.Pid
	pm.Track(cmd)

	time.Sleep(200 * time.Millisecond)
	pm.KillAll()
	cmd.Wait()
	pm.Untrack(cmd)

	// pgrep exits 1 when nothing matches.
	output, err := exec.Command("pgrep", "-P", fmt.Sprintf("%d", parentPID)).CombinedOutput()
	if err == nil && len(bytes.TrimSpace(output)) > 0 {
		t.Errorf("Child processes still running after KillAll: %s", output)
	}
}

func TestInvocationError_Message(t *testing.T) {
	err := &InvocationError{Kind: KindExit, Command: "claude", ExitCode: 2, Stderr: "bad flag", Err: errors.New("exit status 2")}
	want := "claude exit (code 2): exit status 2 (stderr: bad flag)"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}
