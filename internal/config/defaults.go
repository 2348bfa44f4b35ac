package config

// DefaultConfig returns the built-in providers, agents and executor settings.
func DefaultConfig() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{
			"claude": {Type: "claude", Command: "claude"},
			"codex":  {Type: "codex", Command: "codex"},
			"goose":  {Type: "goose", Command: "goose"},
			"anthropic": {
				Type:      "anthropic",
				APIKeyEnv: "ANTHROPIC_API_KEY",
				MaxTokens: 4096,
			},
			"openai": {
				Type:      "openai",
				APIKeyEnv: "OPENAI_API_KEY",
				MaxTokens: 4096,
			},
		},
		Agents: map[string]AgentConfig{
			"planner": {
				Provider:     "claude",
				SystemPrompt: "You break work into tasks and delegate them to the right agent.",
			},
			"coder": {
				Provider:     "claude",
				SystemPrompt: "You implement features and write production code.",
				Isolation:    IsolationSandbox,
			},
			"reviewer": {
				Provider:     "claude",
				SystemPrompt: "You review code for correctness, style, and best practices.",
			},
			"tester": {
				Provider:     "claude",
				SystemPrompt: "You write comprehensive tests and validate functionality.",
				Isolation:    IsolationSandbox,
			},
		},
		Executor: ExecutorConfig{
			PollIntervalMs:    500,
			StallTimeoutMs:    30_000,
			TaskTimeoutMs:     10 * 60 * 1000,
			DefaultEstimateMs: 60_000,
			ReviewPolicy:      ReviewManual,
			MemoryTokens:      1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		StatePath: ".agentcanvas/state.db",
	}
}
