package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// ClaudeAdapter implements the Backend interface for the Claude Code CLI.
type ClaudeAdapter struct {
	binary       string
	sessionID    string
	workDir      string
	model        string
	systemPrompt string
	env          []string
	started      bool
	procMgr      *ProcessManager
}

// claudeResponse is the JSON printed by `claude -p --output-format json`.
// Result is either the reply text or, in older CLI versions, an object with
// a content array.
type claudeResponse struct {
	Type         string          `json:"type"`
	IsError      bool            `json:"is_error"`
	SessionID    string          `json:"session_id"`
	Result       json.RawMessage `json:"result"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	Usage        struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

type claudeContent struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// NewClaudeAdapter creates a new Claude Code backend adapter.
// If cfg.SessionID is empty, a new UUID is generated. pm may be nil.
func NewClaudeAdapter(cfg Config, procMgr *ProcessManager) (*ClaudeAdapter, error) {
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	binary := cfg.Binary
	if binary == "" {
		binary = "claude"
	}

	return &ClaudeAdapter{
		binary:       binary,
		sessionID:    sessionID,
		workDir:      workDir,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		env:          cfg.Env,
		started:      cfg.SessionID != "",
		procMgr:      procMgr,
	}, nil
}

// Send runs one prompt. The first call uses --session-id, later calls --resume.
func (a *ClaudeAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	cmd := newCommand(ctx, a.binary, a.buildArgs(msg, a.started)...)
	cmd.Dir = a.workDir
	if len(a.env) > 0 {
		cmd.Env = append(os.Environ(), a.env...)
	}

	stdout, stderr, err := executeCommand(ctx, cmd, a.procMgr)
	if err != nil {
		return Response{
			Error:     fmt.Sprintf("claude command failed: %v", err),
			SessionID: a.sessionID,
		}, err
	}

	resp, err := parseClaudeResponse(stdout)
	if err != nil {
		return Response{
			Error: fmt.Sprintf("failed to parse claude response: %v (stderr: %s)", err, string(stderr)),
		}, err
	}
	if resp.SessionID == "" {
		resp.SessionID = a.sessionID
	}

	a.started = true
	return resp, nil
}

// Close is a no-op; each Send is its own subprocess.
func (a *ClaudeAdapter) Close() error {
	return nil
}

// SessionID returns the current session identifier.
func (a *ClaudeAdapter) SessionID() string {
	return a.sessionID
}

func (a *ClaudeAdapter) buildArgs(msg Message, isResume bool) []string {
	args := []string{"-p", msg.Content, "--output-format", "json"}

	if isResume {
		args = append(args, "--resume", a.sessionID)
	} else {
		args = append(args, "--session-id", a.sessionID)
	}

	if a.model != "" {
		args = append(args, "--model", a.model)
	}
	if a.systemPrompt != "" {
		args = append(args, "--append-system-prompt", a.systemPrompt)
	}
	return args
}

func parseClaudeResponse(data []byte) (Response, error) {
	var cr claudeResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return Response{}, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	var content string
	if len(cr.Result) > 0 {
		var text string
		if err := json.Unmarshal(cr.Result, &text); err == nil {
			content = text
		} else {
			var legacy claudeContent
			if err := json.Unmarshal(cr.Result, &legacy); err != nil {
				return Response{}, fmt.Errorf("unexpected result shape: %w", err)
			}
			var b strings.Builder
			for _, item := range legacy.Content {
				if item.Type == "text" {
					b.WriteString(item.Text)
				}
			}
			content = b.String()
		}
	}

	resp := Response{
		Content:   content,
		SessionID: cr.SessionID,
		Usage: Usage{
			InputTokens:  cr.Usage.InputTokens,
			OutputTokens: cr.Usage.OutputTokens,
			CostUSD:      cr.TotalCostUSD,
		},
	}
	if cr.IsError {
		resp.Error = content
		return resp, errors.New("claude reported an error: " + content)
	}
	return resp, nil
}
