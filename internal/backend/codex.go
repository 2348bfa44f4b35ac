package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// CodexAdapter runs the Codex CLI.
type CodexAdapter struct {
	binary   string
	threadID string // thread to resume; empty until the first reply
	workDir  string
	model    string
	env      []string
	started  bool
	procMgr  *ProcessManager
}

// codexEvent covers the event lines of `codex exec --json`. Both the dotted
// event names and the older CamelCase ones are understood.
type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Content  string `json:"content"`
	Item     *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
	Usage *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Message string `json:"message"`
}

// NewCodexAdapter creates a Codex adapter. A non-empty cfg.SessionID is
// resumed as an existing thread.
func NewCodexAdapter(cfg Config, procMgr *ProcessManager) (*CodexAdapter, error) {
	binary := cfg.Binary
	if binary == "" {
		binary = "codex"
	}
	return &CodexAdapter{
		binary:   binary,
		threadID: cfg.SessionID,
		workDir:  cfg.WorkDir,
		model:    cfg.Model,
		env:      cfg.Env,
		started:  cfg.SessionID != "",
		procMgr:  procMgr,
	}, nil
}

// Send sends a message to the Codex CLI and returns the response.
func (c *CodexAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	cmd := newCommand(ctx, c.binary, c.buildArgs(msg)...)
	cmd.Dir = c.workDir
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}

	stdout, _, err := executeCommand(ctx, cmd, c.procMgr)
	if err != nil {
		return Response{
			Error:     fmt.Sprintf("codex command failed: %v", err),
			SessionID: c.threadID,
		}, err
	}

	parsed, err := parseCodexEvents(stdout)
	if err != nil {
		return Response{
			Error: fmt.Sprintf("failed to parse codex events: %v", err),
		}, err
	}
	if parsed.threadID != "" {
		c.threadID = parsed.threadID
	}
	c.started = true

	return Response{
		Content:   parsed.content,
		SessionID: c.threadID,
		Usage:     parsed.usage,
	}, nil
}

// buildArgs: first message is `exec <prompt> --json`, later ones
// `resume <thread> <prompt> --json`.
func (c *CodexAdapter) buildArgs(msg Message) []string {
	var args []string
	if !c.started && c.threadID == "" {
		args = []string{"exec", msg.Content, "--json"}
	} else {
		args = []string{"resume", c.threadID, msg.Content, "--json"}
	}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	return args
}

type codexResult struct {
	threadID string
	content  string
	usage    Usage
}

func parseCodexEvents(data []byte) (codexResult, error) {
	var (
		res      codexResult
		messages []string
	)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt codexEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return codexResult{}, fmt.Errorf("failed to parse event: %w", err)
		}

		switch evt.Type {
		case "ThreadStarted", "thread.started":
			res.threadID = evt.ThreadID
		case "TurnCompleted":
			messages = append(messages, evt.Content)
		case "item.completed":
			if evt.Item != nil && evt.Item.Type == "agent_message" {
				messages = append(messages, evt.Item.Text)
			}
		case "turn.completed":
			if evt.Usage != nil {
				res.usage = res.usage.Add(Usage{
					InputTokens:  evt.Usage.InputTokens,
					OutputTokens: evt.Usage.OutputTokens,
				})
			}
		case "turn.failed", "error":
			return res, fmt.Errorf("codex reported an error: %s", evt.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return codexResult{}, fmt.Errorf("error reading events: %w", err)
	}

	res.content = strings.Join(messages, "\n")
	return res, nil
}

// Close is a no-op; each Send is its own subprocess.
func (c *CodexAdapter) Close() error {
	return nil
}

// SessionID returns the current thread ID.
func (c *CodexAdapter) SessionID() string {
	return c.threadID
}
