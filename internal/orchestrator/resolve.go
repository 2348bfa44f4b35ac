package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/backend"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/config"
)

// ErrUnknownAgent is returned when no profile exists for a task's agent.
var ErrUnknownAgent = errors.New("unknown agent")

// Resolution is the concrete runtime of one agent.
type Resolution struct {
	AgentID   string
	Backend   backend.Config // WorkDir and SessionID are filled in by the executor
	Isolation config.Isolation
	Profile   config.AgentConfig
}

// Sandboxed reports whether the agent must work in a sandbox.
func (r Resolution) Sandboxed() bool { return r.Isolation == config.IsolationSandbox }

// BackendResolver maps an agent id to its runtime.
type BackendResolver interface {
	Resolve(agentID string) (Resolution, error)
}

// ConfigResolver resolves agents through the agent and provider sections
// of the configuration.
type ConfigResolver struct {
	cfg    *config.Config
	getenv func(string) string
}

// NewConfigResolver creates a resolver reading API keys from the environment.
func NewConfigResolver(cfg *config.Config) *ConfigResolver {
	return &ConfigResolver{cfg: cfg, getenv: os.Getenv}
}

// Resolve implements BackendResolver.
func (r *ConfigResolver) Resolve(agentID string) (Resolution, error) {
	profile, ok := r.cfg.Agents[agentID]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}
	provider, ok := r.cfg.Providers[profile.Provider]
	if !ok {
		return Resolution{}, fmt.Errorf("agent %q: unknown provider %q", agentID, profile.Provider)
	}

	bc := backend.Config{
		Type:         provider.Type,
		Model:        profile.Model,
		SystemPrompt: profile.SystemPrompt,
		Env:          flattenEnv(provider.Env),
		BaseURL:      provider.BaseURL,
		MaxTokens:    provider.MaxTokens,
	}
	switch provider.Type {
	case backend.TypeCommand:
		bc.Command = provider.Command
		bc.Args = append([]string(nil), provider.Args...)
	case backend.TypeClaude, backend.TypeCodex, backend.TypeGoose:
		bc.Binary = provider.Command
	case backend.TypeAnthropic, backend.TypeOpenAI:
		if provider.APIKeyEnv != "" {
			bc.APIKey = r.getenv(provider.APIKeyEnv)
		}
	}

	isolation := profile.Isolation
	if isolation == "" {
		isolation = config.IsolationWorkspace
	}
	return Resolution{
		AgentID:   agentID,
		Backend:   bc,
		Isolation: isolation,
		Profile:   profile,
	}, nil
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
