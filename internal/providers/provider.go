// Package providers implements the LLM and embedding adapters over raw HTTP.
// Two wire dialects are supported: OpenAI-compatible chat completions and
// the Anthropic Messages API. Both normalise into schema.CompletionResponse
// and classify failures into schema error classes before the retry layer
// sees them.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/duskpetrel/duskpetrel/internal/config"
	"github.com/duskpetrel/duskpetrel/internal/schema"
)

// Provider talks to one configured LLM endpoint.
type Provider struct {
	apiKey      string
	apiBase     string
	model       string
	isAnthropic bool
	httpClient  *http.Client
}

// New constructs a provider from a profile.
func New(profile *config.ProviderProfile) *Provider {
	base := strings.TrimRight(profile.APIBase, "/")
	isAnthropic := profile.API == "anthropic"
	if base == "" {
		if isAnthropic {
			base = "https://api.anthropic.com/v1"
		} else {
			base = "https://api.openai.com/v1"
		}
	}
	return &Provider{
		apiKey:      profile.APIKey,
		apiBase:     base,
		model:       profile.Model,
		isAnthropic: isAnthropic,
		httpClient:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *Provider) DefaultModel() string { return p.model }

// Chat implements schema.LLMProvider.
func (p *Provider) Chat(ctx context.Context, messages schema.Messages, tools []map[string]any, opts schema.ChatOptions) (schema.CompletionResponse, error) {
	model := opts.Model
	if model == "" {
		model = p.model
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	if p.isAnthropic {
		return p.chatAnthropic(ctx, messages, tools, model, maxTokens, opts.Temperature)
	}
	return p.chatOpenAI(ctx, messages, tools, model, maxTokens, opts.Temperature)
}

// ---------------------------------------------------------------------------
// Error classification

// classifyStatus maps an HTTP failure status to an error class.
func classifyStatus(status int, body []byte) *schema.ProviderError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 300 {
		msg = msg[:300]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return schema.NewProviderError(schema.ErrAuth, status, msg)
	case status == http.StatusTooManyRequests:
		return schema.NewProviderError(schema.ErrTransient, status, "rate limit exceeded")
	case status == 529 || bodySignalsOverload(body):
		return schema.NewProviderError(schema.ErrOverloaded, status, msg)
	case status >= 500:
		return schema.NewProviderError(schema.ErrTransient, status, msg)
	default:
		return schema.NewProviderError(schema.ErrPermanent, status, msg)
	}
}

// bodySignalsOverload recognises provider-declared overload payloads. Some
// SDK stream drops surface these with a success or sub-429 status, so the
// payload must be normalised to the overloaded class before the retry
// classifier runs.
func bodySignalsOverload(body []byte) bool {
	var probe struct {
		Type  string `json:"type"`
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &probe) != nil {
		return false
	}
	return probe.Type == "overloaded_error" ||
		probe.Error.Type == "overloaded_error" ||
		probe.Error.Type == "internal_server_error"
}

func (p *Provider) do(ctx context.Context, url string, body map[string]any, headers map[string]string) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, schema.NewProviderError(schema.ErrTransient, 0, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, schema.NewProviderError(schema.ErrTransient, resp.StatusCode, "read response: "+err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, raw)
	}
	// Success status with an error payload: the mid-stream overload case.
	if bodySignalsOverload(raw) {
		return nil, schema.NewProviderError(schema.ErrOverloaded, resp.StatusCode, "overloaded (mid-stream)")
	}
	return raw, nil
}

// ---------------------------------------------------------------------------
// OpenAI-compatible path

func (p *Provider) chatOpenAI(ctx context.Context, messages schema.Messages, tools []map[string]any, model string, maxTokens int, temperature float64) (schema.CompletionResponse, error) {
	body := map[string]any{
		"model":       model,
		"messages":    sanitizeMessages(messages),
		"max_tokens":  maxTokens,
		"temperature": temperature,
	}
	if len(tools) > 0 {
		body["tools"] = tools
		body["tool_choice"] = "auto"
	}

	raw, err := p.do(ctx, p.apiBase+"/chat/completions", body, map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	})
	if err != nil {
		return schema.CompletionResponse{}, err
	}
	return parseOpenAIResponse(raw)
}

// messageToWireMap converts a typed Message to the OpenAI wire-format map.
func messageToWireMap(m schema.Message) map[string]any {
	wire := map[string]any{
		"role":    m.Role,
		"content": m.Content,
	}
	if m.Role == schema.RoleAssistant && len(m.ToolCalls) > 0 {
		raw := make([]map[string]any, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			raw[i] = tc.ToWireMap()
		}
		wire["tool_calls"] = raw
	}
	if m.Role == schema.RoleTool {
		wire["tool_call_id"] = m.ToolCallID
		wire["name"] = m.ToolName
	}
	return wire
}

func sanitizeMessages(messages schema.Messages) []map[string]any {
	out := make([]map[string]any, 0, messages.Len())
	for _, m := range messages.Messages {
		out = append(out, messageToWireMap(m))
	}
	return out
}

type openAIRespBody struct {
	Choices []struct {
		Message struct {
			Content   any `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func parseOpenAIResponse(raw []byte) (schema.CompletionResponse, error) {
	var body openAIRespBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return schema.CompletionResponse{}, fmt.Errorf("parse openai response: %w", err)
	}
	if len(body.Choices) == 0 {
		return schema.CompletionResponse{}, schema.NewProviderError(schema.ErrTransient, http.StatusOK, "empty choices")
	}

	msg := body.Choices[0].Message
	var content *string
	if c, ok := msg.Content.(string); ok {
		// Local openai-compatible models may inline reasoning blocks.
		if c = strings.TrimSpace(stripThink(c)); c != "" {
			content = &c
		}
	}

	var toolCalls []schema.ToolCallRequest
	for _, tc := range msg.ToolCalls {
		toolCalls = append(toolCalls, parseToolArguments(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}

	finish := body.Choices[0].FinishReason
	if finish == "" {
		finish = "stop"
	}
	return schema.CompletionResponse{
		Content:   content,
		ToolCalls: toolCalls,
		Usage: schema.Usage{
			InputTokens:  body.Usage.PromptTokens,
			OutputTokens: body.Usage.CompletionTokens,
		},
		StopReason: finish,
	}, nil
}

// parseToolArguments parses the argument text into a map, keeping the raw
// text on failure so the dispatcher can report it back to the model. Both
// wire dialects go through this path so malformed arguments behave the same
// everywhere.
func parseToolArguments(id, name, rawArgs string) schema.ToolCallRequest {
	req := schema.ToolCallRequest{ID: id, Name: name}
	rawArgs = strings.TrimSpace(rawArgs)
	if rawArgs == "" {
		req.Arguments = map[string]any{}
		return req
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &args); err == nil {
		req.Arguments = args
		return req
	}
	// Truncated output: retry with the last complete object.
	if i := strings.LastIndex(rawArgs, "}"); i >= 0 {
		if err := json.Unmarshal([]byte(rawArgs[:i+1]), &args); err == nil {
			req.Arguments = args
			return req
		}
	}
	req.RawArguments = rawArgs
	return req
}

// ---------------------------------------------------------------------------
// Anthropic Messages API path

func (p *Provider) chatAnthropic(ctx context.Context, messages schema.Messages, tools []map[string]any, model string, maxTokens int, temperature float64) (schema.CompletionResponse, error) {
	system, converted := convertMessagesToAnthropic(messages)

	body := map[string]any{
		"model":       model,
		"messages":    converted,
		"max_tokens":  maxTokens,
		"temperature": temperature,
	}
	if system != "" {
		// cache_control on the stable system tier lets an unchanged prefix be
		// reused across turns.
		body["system"] = []any{map[string]any{
			"type": "text", "text": system,
			"cache_control": map[string]any{"type": "ephemeral"},
		}}
	}
	if len(tools) > 0 {
		body["tools"] = convertToolsToAnthropic(tools)
	}

	raw, err := p.do(ctx, p.apiBase+"/messages", body, map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": "2023-06-01",
	})
	if err != nil {
		return schema.CompletionResponse{}, err
	}
	return parseAnthropicResponse(raw)
}

// convertMessagesToAnthropic converts typed messages to Anthropic's wire
// format. Returns (system_prompt, converted_messages).
func convertMessagesToAnthropic(messages schema.Messages) (string, []map[string]any) {
	var system string
	var out []map[string]any

	for _, msg := range messages.Messages {
		switch msg.Role {
		case schema.RoleSystem:
			if s, ok := msg.Content.(string); ok {
				if system != "" {
					system += "\n\n"
				}
				system += s
			}

		case schema.RoleUser:
			out = append(out, map[string]any{"role": "user", "content": convertUserContentToAnthropic(msg.Content)})

		case schema.RoleTool:
			block := map[string]any{
				"type":        "tool_result",
				"tool_use_id": msg.ToolCallID,
				"content":     msg.Text(),
			}
			// Merge consecutive tool results into one user message.
			if len(out) > 0 && out[len(out)-1]["role"] == "user" {
				prev := out[len(out)-1]
				if c, ok := prev["content"].([]any); ok {
					prev["content"] = append(c, block)
					continue
				}
			}
			out = append(out, map[string]any{"role": "user", "content": []any{block}})

		case schema.RoleAssistant:
			var blocks []any
			if t := msg.Text(); t != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": t})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, map[string]any{
					"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": input,
				})
			}
			if len(blocks) == 0 {
				blocks = []any{map[string]any{"type": "text", "text": ""}}
			}
			out = append(out, map[string]any{"role": "assistant", "content": blocks})
		}
	}
	return system, out
}

// convertUserContentToAnthropic rewrites OpenAI-style user content blocks
// into Anthropic ones. Plain strings pass through; image_url blocks become
// base64 image source blocks. Unconvertible image blocks are dropped rather
// than sent in a dialect the API rejects.
func convertUserContentToAnthropic(content any) any {
	blocks := userContentBlocks(content)
	if blocks == nil {
		return content
	}
	out := make([]any, 0, len(blocks))
	for _, b := range blocks {
		switch b["type"] {
		case "image_url":
			if img := anthropicImageBlock(b); img != nil {
				out = append(out, img)
			}
		case "text":
			out = append(out, map[string]any{"type": "text", "text": b["text"]})
		default:
			out = append(out, b)
		}
	}
	return out
}

// userContentBlocks normalises block-list content. Fresh messages carry
// []map[string]any; messages reloaded from a session snapshot carry []any.
func userContentBlocks(content any) []map[string]any {
	switch v := content.(type) {
	case []map[string]any:
		return v
	case []any:
		blocks := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				blocks = append(blocks, m)
			}
		}
		return blocks
	}
	return nil
}

// anthropicImageBlock converts one OpenAI image_url block. Data URLs become
// base64 sources, plain URLs become url sources.
func anthropicImageBlock(block map[string]any) map[string]any {
	iu, _ := block["image_url"].(map[string]any)
	url, _ := iu["url"].(string)
	if url == "" {
		return nil
	}
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return map[string]any{
			"type":   "image",
			"source": map[string]any{"type": "url", "url": url},
		}
	}
	mediaType, data, ok := strings.Cut(rest, ";base64,")
	if !ok {
		return nil
	}
	return map[string]any{
		"type": "image",
		"source": map[string]any{
			"type":       "base64",
			"media_type": mediaType,
			"data":       data,
		},
	}
}

// convertToolsToAnthropic maps OpenAI function schemas to Anthropic tool
// format: "parameters" becomes "input_schema".
func convertToolsToAnthropic(tools []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for i, t := range tools {
		fn, _ := t["function"].(map[string]any)
		if fn == nil {
			continue
		}
		at := map[string]any{
			"name":         fn["name"],
			"description":  fn["description"],
			"input_schema": fn["parameters"],
		}
		if i == len(tools)-1 {
			at["cache_control"] = map[string]any{"type": "ephemeral"}
		}
		out = append(out, at)
	}
	return out
}

type anthropicRespBody struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens         int64 `json:"input_tokens"`
		OutputTokens        int64 `json:"output_tokens"`
		CacheReadInputTokens int64 `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

func parseAnthropicResponse(raw []byte) (schema.CompletionResponse, error) {
	var body anthropicRespBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return schema.CompletionResponse{}, fmt.Errorf("parse anthropic response: %w", err)
	}

	var contentStr string
	var toolCalls []schema.ToolCallRequest
	for _, block := range body.Content {
		switch block.Type {
		case "text":
			contentStr += block.Text
		case "tool_use":
			toolCalls = append(toolCalls, parseToolArguments(block.ID, block.Name, string(block.Input)))
		}
	}

	var content *string
	if contentStr != "" {
		content = &contentStr
	}

	finish := "stop"
	switch {
	case body.StopReason == "tool_use":
		finish = "tool_calls"
	case body.StopReason != "" && body.StopReason != "end_turn":
		finish = body.StopReason
	}

	return schema.CompletionResponse{
		Content:   content,
		ToolCalls: toolCalls,
		Usage: schema.Usage{
			InputTokens:     body.Usage.InputTokens,
			OutputTokens:    body.Usage.OutputTokens,
			CacheReadTokens: body.Usage.CacheReadInputTokens,
		},
		StopReason: finish,
	}, nil
}

var reThink = regexp.MustCompile(`(?s)<think>.*?</think>`)

// stripThink removes <think> blocks some models embed in their text output.
func stripThink(s string) string {
	return reThink.ReplaceAllString(s, "")
}
