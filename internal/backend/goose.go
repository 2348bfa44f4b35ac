package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// GooseAdapter runs the Goose CLI, which can drive local LLM providers
// (Ollama, LM Studio, llama.cpp) through --provider and --model.
type GooseAdapter struct {
	binary       string
	sessionName  string
	workDir      string
	model        string
	provider     string
	systemPrompt string
	env          []string
	started      bool
	procMgr      *ProcessManager
}

type gooseResponse struct {
	Content string `json:"content"`
}

// NewGooseAdapter creates a new Goose adapter. Without cfg.SessionID a
// session name "agentcanvas-<hex>" is generated.
func NewGooseAdapter(cfg Config, procMgr *ProcessManager) (*GooseAdapter, error) {
	sessionName := cfg.SessionID
	if sessionName == "" {
		sessionName = "agentcanvas-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	binary := cfg.Binary
	if binary == "" {
		binary = "goose"
	}

	return &GooseAdapter{
		binary:       binary,
		sessionName:  sessionName,
		workDir:      cfg.WorkDir,
		model:        cfg.Model,
		provider:     cfg.Provider,
		systemPrompt: cfg.SystemPrompt,
		env:          cfg.Env,
		started:      cfg.SessionID != "",
		procMgr:      procMgr,
	}, nil
}

// Send sends a message to Goose and returns the response.
func (g *GooseAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	cmd := newCommand(ctx, g.binary, g.buildArgs(msg)...)
	cmd.Dir = g.workDir
	if len(g.env) > 0 {
		cmd.Env = append(os.Environ(), g.env...)
	}

	stdout, stderr, err := executeCommand(ctx, cmd, g.procMgr)
	if err != nil {
		return Response{
			Error:     fmt.Sprintf("goose command failed: %v", err),
			SessionID: g.sessionName,
		}, err
	}

	resp, parseErr := parseGooseResponse(stdout)
	if parseErr != nil {
		// Older goose builds ignore --output-format; take stdout as text.
		resp = Response{Content: string(stdout)}
		if len(stderr) > 0 {
			resp.Content = string(stdout) + "\n[stderr]: " + string(stderr)
		}
	}
	resp.SessionID = g.sessionName

	g.started = true
	return resp, nil
}

func (g *GooseAdapter) buildArgs(msg Message) []string {
	args := []string{"run", "--text", msg.Content, "--output-format", "json"}

	if !g.started {
		args = append(args, "--name", g.sessionName)
	} else {
		args = append(args, "--name", g.sessionName, "--resume")
	}

	if g.provider != "" {
		args = append(args, "--provider", g.provider)
	}
	if g.model != "" {
		args = append(args, "--model", g.model)
	}
	if g.systemPrompt != "" {
		args = append(args, "--system", g.systemPrompt)
	}
	return args
}

// parseGooseResponse accepts a single JSON object or newline-delimited
// JSON objects.
func parseGooseResponse(data []byte) (Response, error) {
	var single gooseResponse
	if err := json.Unmarshal(data, &single); err == nil {
		return Response{Content: single.Content}, nil
	}

	var contents []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var lineResp gooseResponse
		if err := json.Unmarshal([]byte(line), &lineResp); err == nil && lineResp.Content != "" {
			contents = append(contents, lineResp.Content)
		}
	}
	if len(contents) > 0 {
		return Response{Content: strings.Join(contents, "\n")}, nil
	}
	return Response{}, fmt.Errorf("failed to parse goose JSON response")
}

// Close is a no-op; each Send is its own subprocess.
func (g *GooseAdapter) Close() error {
	return nil
}

// SessionID returns the current session name.
func (g *GooseAdapter) SessionID() string {
	return g.sessionName
}
