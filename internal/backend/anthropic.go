package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
)

// Defaults for the hosted API adapters.
const (
	DefaultAnthropicModel = "claude-sonnet-4-5"
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultMaxTokens      = 4096
)

// AnthropicAdapter calls the Anthropic Messages API. The conversation is
// kept in memory so later Sends continue the same session.
type AnthropicAdapter struct {
	client    anthropic.Client
	model     string
	system    string
	maxTokens int64
	sessionID string

	mu      sync.Mutex
	history []anthropic.MessageParam
}

// NewAnthropicAdapter creates an adapter. Without cfg.APIKey the SDK reads
// ANTHROPIC_API_KEY from the environment.
func NewAnthropicAdapter(cfg Config) (*AnthropicAdapter, error) {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = DefaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	return &AnthropicAdapter{
		client:    anthropic.NewClient(opts...),
		model:     model,
		system:    cfg.SystemPrompt,
		maxTokens: maxTokens,
		sessionID: sessionID,
	}, nil
}

// Send appends msg to the conversation and asks the model for a reply.
func (a *AnthropicAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	messages := append(append([]anthropic.MessageParam(nil), a.history...),
		anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		Messages:  messages,
		MaxTokens: a.maxTokens,
	}
	if a.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: a.system}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		ie := apiError(ctx, "anthropic", err)
		return Response{Error: ie.Error(), SessionID: a.sessionID}, ie
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	content := b.String()

	a.history = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(content)))
	return Response{
		Content:   content,
		SessionID: a.sessionID,
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

// Close drops the conversation.
func (a *AnthropicAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = nil
	return nil
}

// SessionID returns the in-memory session id.
func (a *AnthropicAdapter) SessionID() string { return a.sessionID }

// apiError classifies an SDK error the same way subprocess failures are.
func apiError(ctx context.Context, name string, err error) *InvocationError {
	ie := &InvocationError{Kind: KindAPI, Command: name, ExitCode: -1, Err: fmt.Errorf("%s api error: %w", name, err)}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		ie.Kind = KindTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		ie.Kind = KindCanceled
	}
	return ie
}
