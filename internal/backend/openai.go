package backend

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIAdapter calls the OpenAI chat completions API, or any server that
// speaks it when BaseURL is set.
type OpenAIAdapter struct {
	client    openai.Client
	model     string
	system    string
	maxTokens int64
	sessionID string

	mu      sync.Mutex
	history []openai.ChatCompletionMessageParamUnion
}

// NewOpenAIAdapter creates an adapter. Without cfg.APIKey the SDK reads
// OPENAI_API_KEY from the environment.
func NewOpenAIAdapter(cfg Config) (*OpenAIAdapter, error) {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	return &OpenAIAdapter{
		client:    openai.NewClient(opts...),
		model:     model,
		system:    cfg.SystemPrompt,
		maxTokens: maxTokens,
		sessionID: sessionID,
	}, nil
}

// Send appends msg to the conversation and returns the first choice.
func (o *OpenAIAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var messages []openai.ChatCompletionMessageParamUnion
	if o.system != "" {
		messages = append(messages, openai.SystemMessage(o.system))
	}
	messages = append(messages, o.history...)
	messages = append(messages, openai.UserMessage(msg.Content))

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               o.model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(o.maxTokens),
	})
	if err != nil {
		ie := apiError(ctx, "openai", err)
		return Response{Error: ie.Error(), SessionID: o.sessionID}, ie
	}

	var content string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	o.history = append(o.history, openai.UserMessage(msg.Content), openai.AssistantMessage(content))
	return Response{
		Content:   content,
		SessionID: o.sessionID,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// Close drops the conversation.
func (o *OpenAIAdapter) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = nil
	return nil
}

// SessionID returns the in-memory session id.
func (o *OpenAIAdapter) SessionID() string { return o.sessionID }
