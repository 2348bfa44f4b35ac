package backend

// Message represents a message sent to the backend.
type Message struct {
	Content string
	Role    string // "user" or "system"
}

// Usage is the token accounting an adapter could extract from a reply.
type Usage struct {
	InputTokens  int64   `json:"inputTokens,omitempty"`
	OutputTokens int64   `json:"outputTokens,omitempty"`
	CostUSD      float64 `json:"costUsd,omitempty"`
}

// Add sums two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		CostUSD:      u.CostUSD + o.CostUSD,
	}
}

// Response represents a response from the backend.
type Response struct {
	Content   string
	SessionID string
	Error     string
	Usage     Usage
}

// Backend types understood by New.
const (
	TypeClaude    = "claude"
	TypeCodex     = "codex"
	TypeGoose     = "goose"
	TypeCommand   = "command"
	TypeAnthropic = "anthropic"
	TypeOpenAI    = "openai"
)

// Config defines the configuration for a backend.
type Config struct {
	Type         string
	WorkDir      string
	SessionID    string
	Model        string
	Provider     string // goose local LLM provider (e.g. "ollama", "lmstudio")
	SystemPrompt string

	// Command and Args are used by the "command" type; Binary overrides the
	// executable of the CLI types.
	Command string
	Args    []string
	Binary  string
	Env     []string

	// API types.
	APIKey    string
	BaseURL   string
	MaxTokens int64
}
