package backend

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Environment variables exported to command agents.
const (
	EnvSessionID = "AGENTCANVAS_SESSION_ID"
	EnvModel     = "AGENTCANVAS_MODEL"
)

// CommandAdapter runs an arbitrary executable per message. The prompt is
// written to stdin and stdout is the reply.
type CommandAdapter struct {
	command   string
	args      []string
	workDir   string
	model     string
	env       []string
	sessionID string
	procMgr   *ProcessManager
}

// NewCommandAdapter creates a command adapter. cfg.Command is required.
func NewCommandAdapter(cfg Config, procMgr *ProcessManager) (*CommandAdapter, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("command backend requires a command")
	}
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &CommandAdapter{
		command:   cfg.Command,
		args:      append([]string(nil), cfg.Args...),
		workDir:   cfg.WorkDir,
		model:     cfg.Model,
		env:       cfg.Env,
		sessionID: sessionID,
		procMgr:   procMgr,
	}, nil
}

// Send runs the command once with msg.Content on stdin.
func (c *CommandAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	cmd := newCommand(ctx, c.command, c.args...)
	cmd.Dir = c.workDir
	cmd.Stdin = strings.NewReader(msg.Content)
	cmd.Env = append(os.Environ(), EnvSessionID+"="+c.sessionID)
	if c.model != "" {
		cmd.Env = append(cmd.Env, EnvModel+"="+c.model)
	}
	cmd.Env = append(cmd.Env, c.env...)

	stdout, _, err := executeCommand(ctx, cmd, c.procMgr)
	if err != nil {
		return Response{
			Content:   string(stdout),
			Error:     fmt.Sprintf("command failed: %v", err),
			SessionID: c.sessionID,
		}, err
	}
	return Response{Content: string(stdout), SessionID: c.sessionID}, nil
}

// Close is a no-op.
func (c *CommandAdapter) Close() error { return nil }

// SessionID returns the session id exported to the command.
func (c *CommandAdapter) SessionID() string { return c.sessionID }
