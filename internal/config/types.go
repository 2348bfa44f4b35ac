package config

import "time"

// ProviderConfig defines a transport (CLI binary or hosted API).
// Providers are separate from agents; multiple agents can share one provider.
type ProviderConfig struct {
	Type      string            `json:"type" toml:"type"`                                   // claude, codex, goose, command, anthropic, openai
	Command   string            `json:"command,omitempty" toml:"command,omitempty"`         // binary for CLI types
	Args      []string          `json:"args,omitempty" toml:"args,omitempty"`               // command type only
	Env       map[string]string `json:"env,omitempty" toml:"env,omitempty"`                 // extra environment
	BaseURL   string            `json:"base_url,omitempty" toml:"base_url,omitempty"`       // API types
	APIKeyEnv string            `json:"api_key_env,omitempty" toml:"api_key_env,omitempty"` // env var holding the API key
	MaxTokens int64             `json:"max_tokens,omitempty" toml:"max_tokens,omitempty"`
}

// Isolation is where an agent's process works.
type Isolation string

const (
	IsolationWorkspace Isolation = "workspace"
	IsolationSandbox   Isolation = "sandbox"
)

// AgentConfig defines a role that uses a specific provider and model.
type AgentConfig struct {
	Provider     string    `json:"provider" toml:"provider"`
	Model        string    `json:"model,omitempty" toml:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty" toml:"system_prompt,omitempty"`
	Tools        []string  `json:"tools,omitempty" toml:"tools,omitempty"`
	Rules        []string  `json:"rules,omitempty" toml:"rules,omitempty"`
	Skills       []string  `json:"skills,omitempty" toml:"skills,omitempty"`
	MCPServers   []string  `json:"mcp_servers,omitempty" toml:"mcp_servers,omitempty"`
	Isolation    Isolation `json:"isolation,omitempty" toml:"isolation,omitempty"` // defaults to workspace
}

// Sandboxed reports whether the agent runs in an isolated sandbox.
func (a AgentConfig) Sandboxed() bool { return a.Isolation == IsolationSandbox }

// Review policies for sandbox proposals.
const (
	ReviewManual      = "manual"
	ReviewAuto        = "auto"
	ReviewInteractive = "interactive"
)

// ExecutorConfig tunes the run loop.
type ExecutorConfig struct {
	PollIntervalMs    int64  `json:"poll_interval_ms,omitempty" toml:"poll_interval_ms,omitempty"`
	StallTimeoutMs    int64  `json:"stall_timeout_ms,omitempty" toml:"stall_timeout_ms,omitempty"`
	TaskTimeoutMs     int64  `json:"task_timeout_ms,omitempty" toml:"task_timeout_ms,omitempty"`
	DefaultEstimateMs int64  `json:"default_estimate_ms,omitempty" toml:"default_estimate_ms,omitempty"`
	ReviewPolicy      string `json:"review_policy,omitempty" toml:"review_policy,omitempty"`
	MemoryTokens      int    `json:"memory_tokens,omitempty" toml:"memory_tokens,omitempty"`
}

func (e ExecutorConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalMs) * time.Millisecond
}

func (e ExecutorConfig) StallTimeout() time.Duration {
	return time.Duration(e.StallTimeoutMs) * time.Millisecond
}

func (e ExecutorConfig) TaskTimeout() time.Duration {
	return time.Duration(e.TaskTimeoutMs) * time.Millisecond
}

// SandboxConfig controls sandbox placement and the top-level deny list.
type SandboxConfig struct {
	Dir  string   `json:"dir,omitempty" toml:"dir,omitempty"`   // relative to the workspace unless absolute
	Deny []string `json:"deny,omitempty" toml:"deny,omitempty"` // replaces the built-in list when set
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" toml:"level,omitempty"`   // debug, info, warn, error
	Format string `json:"format,omitempty" toml:"format,omitempty"` // text or json
}

// Config is the top-level configuration.
type Config struct {
	Providers map[string]ProviderConfig `json:"providers,omitempty" toml:"providers,omitempty"`
	Agents    map[string]AgentConfig    `json:"agents,omitempty" toml:"agents,omitempty"`
	Executor  ExecutorConfig            `json:"executor" toml:"executor"`
	Sandbox   SandboxConfig             `json:"sandbox" toml:"sandbox"`
	Logging   LoggingConfig             `json:"logging" toml:"logging"`
	StatePath string                    `json:"state_path,omitempty" toml:"state_path,omitempty"` // sqlite event log, relative to the workspace
}
