// Package backend talks to the agents that execute tasks: coding-agent CLIs
// run as subprocesses, arbitrary commands, and hosted model APIs.
package backend

import (
	"context"
	"fmt"
)

// Backend defines the interface that all backend adapters must implement.
type Backend interface {
	// Send sends a message to the backend and returns the response.
	Send(ctx context.Context, msg Message) (Response, error)

	// Close releases the backend.
	Close() error

	// SessionID returns the current session identifier.
	SessionID() string
}

// Factory builds backends. The orchestrator depends on this rather than on
// New so tests can substitute fakes.
type Factory interface {
	New(cfg Config) (Backend, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(cfg Config) (Backend, error)

func (f FactoryFunc) New(cfg Config) (Backend, error) { return f(cfg) }

// DefaultFactory returns a factory that calls New with pm.
func DefaultFactory(pm *ProcessManager) Factory {
	return FactoryFunc(func(cfg Config) (Backend, error) { return New(cfg, pm) })
}

// New creates a new backend based on cfg.Type.
func New(cfg Config, pm *ProcessManager) (Backend, error) {
	switch cfg.Type {
	case TypeClaude:
		return NewClaudeAdapter(cfg, pm)
	case TypeCodex:
		return NewCodexAdapter(cfg, pm)
	case TypeGoose:
		return NewGooseAdapter(cfg, pm)
	case TypeCommand:
		return NewCommandAdapter(cfg, pm)
	case TypeAnthropic:
		return NewAnthropicAdapter(cfg)
	case TypeOpenAI:
		return NewOpenAIAdapter(cfg)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
