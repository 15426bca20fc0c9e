package schema

import (
	"context"
	"encoding/json"
)

// ChatOptions configures a single LLM chat request.
type ChatOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// NewChatOptions bundles the three per-call knobs.
func NewChatOptions(model string, maxTokens int, temperature float64) ChatOptions {
	return ChatOptions{Model: model, MaxTokens: maxTokens, Temperature: temperature}
}

// Usage is the token accounting reported for one provider call.
type Usage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	CacheReadTokens int64 `json:"cache_read_tokens,omitempty"`
}

// Total returns the total token count across all classes.
func (u Usage) Total() int64 { return u.InputTokens + u.OutputTokens + u.CacheReadTokens }

// ToolCallRequest is one tool invocation the model asked for in a response.
type ToolCallRequest struct {
	ID        string
	Name      string
	Arguments map[string]any
	// RawArguments holds the original argument text when it failed to parse
	// as JSON; the dispatcher reports it back to the model.
	RawArguments string
}

// CompletionResponse is the normalised response from any LLM provider.
type CompletionResponse struct {
	Content    *string
	ToolCalls  []ToolCallRequest
	Usage      Usage
	StopReason string
}

// LLMProvider is the interface every LLM backend must satisfy.
type LLMProvider interface {
	// Chat runs one completion. Tools are in OpenAI function-calling format.
	Chat(ctx context.Context, messages Messages, tools []map[string]any, opts ChatOptions) (CompletionResponse, error)
	DefaultModel() string
}

// Embedder produces embedding vectors for a batch of texts. Implementations
// must return exactly one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
