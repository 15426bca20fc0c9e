package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/duskpetrel/duskpetrel/internal/config"
	"github.com/duskpetrel/duskpetrel/internal/schema"
)

func testProvider(t *testing.T, api string, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(&config.ProviderProfile{
		API:     api,
		APIKey:  "test-key",
		APIBase: srv.URL,
		Model:   "test-model",
	})
}

func TestChatOpenAI_ParsesTextAndToolCalls(t *testing.T) {
	p := testProvider(t, "openai", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{
				"message": map[string]any{
					"content": "thinking",
					"tool_calls": []any{map[string]any{
						"id": "call_1",
						"function": map[string]any{
							"name":      "read_file",
							"arguments": `{"path":"notes.md"}`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
			"usage": map[string]any{"prompt_tokens": 120, "completion_tokens": 30},
		})
	})

	msgs := schema.NewMessages(schema.NewUserMessage("hi"))
	resp, err := p.Chat(context.Background(), msgs, nil, schema.ChatOptions{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content == nil || *resp.Content != "thinking" {
		t.Errorf("content = %v", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "read_file" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if got := resp.ToolCalls[0].Arguments["path"]; got != "notes.md" {
		t.Errorf("argument path = %v", got)
	}
	if resp.Usage.InputTokens != 120 || resp.Usage.OutputTokens != 30 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.StopReason != "tool_calls" {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
}

func TestChat_MidStreamOverloadNormalised(t *testing.T) {
	p := testProvider(t, "anthropic", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"type":"overloaded_error","message":"Overloaded"}`))
	})

	_, err := p.Chat(context.Background(), schema.NewMessages(schema.NewUserMessage("hi")), nil, schema.ChatOptions{})
	if err == nil {
		t.Fatal("expected error for overloaded payload")
	}
	if got := schema.ClassOf(err); got != schema.ErrOverloaded {
		t.Errorf("class = %v, want overloaded", got)
	}
	if !schema.IsRetryable(err) {
		t.Error("overloaded error should be retryable")
	}
}

func TestChat_UnauthorizedNeverRetryable(t *testing.T) {
	p := testProvider(t, "openai", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid api key"}}`, http.StatusUnauthorized)
	})

	_, err := p.Chat(context.Background(), schema.NewMessages(schema.NewUserMessage("hi")), nil, schema.ChatOptions{})
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if got := schema.ClassOf(err); got != schema.ErrAuth {
		t.Errorf("class = %v, want auth", got)
	}
	if schema.IsRetryable(err) {
		t.Error("auth error must not be retryable")
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   schema.ErrorClass
	}{
		{401, `{}`, schema.ErrAuth},
		{403, `{}`, schema.ErrAuth},
		{429, `{}`, schema.ErrTransient},
		{500, `{}`, schema.ErrTransient},
		{503, `{}`, schema.ErrTransient},
		{529, `{}`, schema.ErrOverloaded},
		{400, `{"error":{"type":"invalid_request_error"}}`, schema.ErrPermanent},
		{400, `{"error":{"type":"overloaded_error"}}`, schema.ErrOverloaded},
	}
	for _, tt := range tests {
		got := classifyStatus(tt.status, []byte(tt.body))
		if got.Class != tt.want {
			t.Errorf("classifyStatus(%d, %s) = %v, want %v", tt.status, tt.body, got.Class, tt.want)
		}
	}
}

func TestParseToolArguments_MalformedFallsBack(t *testing.T) {
	// Valid JSON parses normally.
	req := parseToolArguments("1", "t", `{"a":1}`)
	if req.Arguments["a"] != float64(1) || req.RawArguments != "" {
		t.Errorf("valid args = %+v", req)
	}

	// Trailing garbage after the object is dropped.
	req = parseToolArguments("2", "t", `{"a":1}garbage`)
	if req.Arguments == nil || req.Arguments["a"] != float64(1) {
		t.Errorf("repairable args = %+v", req)
	}

	// Unrepairable text keeps the raw string instead of failing the turn.
	req = parseToolArguments("3", "t", `{"a": unclosed`)
	if req.Arguments != nil {
		t.Errorf("arguments = %v, want nil", req.Arguments)
	}
	if req.RawArguments != `{"a": unclosed` {
		t.Errorf("raw arguments = %q", req.RawArguments)
	}

	// Empty arguments become an empty map.
	req = parseToolArguments("4", "t", "")
	if req.Arguments == nil || len(req.Arguments) != 0 {
		t.Errorf("empty args = %+v", req)
	}
}

func TestChatAnthropic_ParsesResponse(t *testing.T) {
	p := testProvider(t, "anthropic", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("missing anthropic-version header")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content": []any{
				map[string]any{"type": "text", "text": "let me check"},
				map[string]any{"type": "tool_use", "id": "tu_1", "name": "web_search",
					"input": map[string]any{"query": "weather vienna"}},
			},
			"stop_reason": "tool_use",
			"usage": map[string]any{
				"input_tokens": 200, "output_tokens": 40, "cache_read_input_tokens": 150,
			},
		})
	})

	resp, err := p.Chat(context.Background(), schema.NewMessages(schema.NewUserMessage("hi")), nil, schema.ChatOptions{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content == nil || *resp.Content != "let me check" {
		t.Errorf("content = %v", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Arguments["query"] != "weather vienna" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.StopReason != "tool_calls" {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
	if resp.Usage.CacheReadTokens != 150 {
		t.Errorf("cache read tokens = %d", resp.Usage.CacheReadTokens)
	}
}

func TestConvertMessagesToAnthropic_MergesToolResults(t *testing.T) {
	content := "done"
	msgs := schema.NewMessages(
		schema.NewSystemMessage("you are helpful"),
		schema.NewUserMessage("do two things"),
	)
	msgs.AddAssistant(nil, []schema.ToolCall{
		{ID: "a", Name: "t1", Arguments: map[string]any{}},
		{ID: "b", Name: "t2", Arguments: map[string]any{}},
	})
	msgs.AddToolResult("a", "t1", "one")
	msgs.AddToolResult("b", "t2", "two")
	msgs.AddAssistant(&content, nil)

	system, converted := convertMessagesToAnthropic(msgs)
	if system != "you are helpful" {
		t.Errorf("system = %q", system)
	}
	// user, assistant(tool_use), user(merged results), assistant
	if len(converted) != 4 {
		t.Fatalf("got %d messages, want 4", len(converted))
	}
	results, ok := converted[2]["content"].([]any)
	if !ok || len(results) != 2 {
		t.Fatalf("merged tool results = %+v", converted[2]["content"])
	}
}

func TestConvertMessagesToAnthropic_ImageBlocks(t *testing.T) {
	msgs := schema.NewMessages(schema.Message{
		Role: schema.RoleUser,
		Content: []map[string]any{
			{"type": "image_url", "image_url": map[string]any{"url": "data:image/png;base64,AAAA"}},
			{"type": "text", "text": "what is this?"},
		},
	})

	_, converted := convertMessagesToAnthropic(msgs)
	if len(converted) != 1 {
		t.Fatalf("got %d messages, want 1", len(converted))
	}
	blocks, ok := converted[0]["content"].([]any)
	if !ok || len(blocks) != 2 {
		t.Fatalf("content = %+v", converted[0]["content"])
	}

	img, ok := blocks[0].(map[string]any)
	if !ok || img["type"] != "image" {
		t.Fatalf("first block = %+v", blocks[0])
	}
	source, _ := img["source"].(map[string]any)
	if source["type"] != "base64" || source["media_type"] != "image/png" || source["data"] != "AAAA" {
		t.Errorf("image source = %+v", source)
	}

	text, ok := blocks[1].(map[string]any)
	if !ok || text["type"] != "text" || text["text"] != "what is this?" {
		t.Errorf("text block = %+v", blocks[1])
	}
}

func TestConvertUserContentToAnthropic(t *testing.T) {
	if got := convertUserContentToAnthropic("plain"); got != "plain" {
		t.Errorf("plain string changed: %v", got)
	}

	// Snapshot-reloaded content arrives as []any; a malformed data URL is
	// dropped rather than forwarded.
	reloaded := []any{
		map[string]any{"type": "image_url", "image_url": map[string]any{"url": "data:image/png"}},
		map[string]any{"type": "text", "text": "hi"},
	}
	blocks, ok := convertUserContentToAnthropic(reloaded).([]any)
	if !ok || len(blocks) != 1 {
		t.Fatalf("blocks = %+v", blocks)
	}

	// A non-data URL becomes a url source.
	remote := []map[string]any{
		{"type": "image_url", "image_url": map[string]any{"url": "https://example.com/a.png"}},
	}
	blocks, _ = convertUserContentToAnthropic(remote).([]any)
	if len(blocks) != 1 {
		t.Fatalf("blocks = %+v", blocks)
	}
	source, _ := blocks[0].(map[string]any)["source"].(map[string]any)
	if source["type"] != "url" || source["url"] != "https://example.com/a.png" {
		t.Errorf("url source = %+v", source)
	}
}

func TestEmbedder_OrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		// Responses may arrive out of input order.
		json.NewEncoder(w).Encode(map[string]any{
			"data": []any{
				map[string]any{"index": 1, "embedding": []float64{0, 1}},
				map[string]any{"index": 0, "embedding": []float64{1, 0}},
			},
		})
	}))
	t.Cleanup(srv.Close)

	e, err := NewEmbedder(&config.ProviderProfile{API: "openai", APIBase: srv.URL, Model: "embed-model"})
	if err != nil {
		t.Fatalf("NewEmbedder: %v", err)
	}
	vecs, err := e.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("vectors = %v", vecs)
	}
}

func TestEmbedder_CountMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []any{map[string]any{"index": 0, "embedding": []float64{1}}},
		})
	}))
	t.Cleanup(srv.Close)

	e, err := NewEmbedder(&config.ProviderProfile{API: "openai", APIBase: srv.URL, Model: "embed-model"})
	if err != nil {
		t.Fatalf("NewEmbedder: %v", err)
	}
	if _, err := e.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestNewEmbedder_RejectsAnthropic(t *testing.T) {
	if _, err := NewEmbedder(&config.ProviderProfile{API: "anthropic"}); err == nil {
		t.Fatal("expected error for anthropic embed profile")
	}
}

func TestNew_DefaultBases(t *testing.T) {
	p := New(&config.ProviderProfile{API: "anthropic", Model: "m"})
	if p.apiBase != "https://api.anthropic.com/v1" {
		t.Errorf("anthropic base = %q", p.apiBase)
	}
	p = New(&config.ProviderProfile{API: "openai", Model: "m"})
	if p.apiBase != "https://api.openai.com/v1" {
		t.Errorf("openai base = %q", p.apiBase)
	}
}

func TestChat_NetworkErrorIsTransient(t *testing.T) {
	p := New(&config.ProviderProfile{API: "openai", APIBase: "http://127.0.0.1:1", Model: "m"})
	_, err := p.Chat(context.Background(), schema.NewMessages(schema.NewUserMessage("hi")), nil, schema.ChatOptions{})
	if err == nil {
		t.Fatal("expected connection error")
	}
	var pe *schema.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error type = %T", err)
	}
	if !schema.IsRetryable(err) {
		t.Error("network error should be retryable")
	}
}
