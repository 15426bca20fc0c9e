package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/duskpetrel/duskpetrel/internal/config"
	"github.com/duskpetrel/duskpetrel/internal/retry"
	"github.com/duskpetrel/duskpetrel/internal/schema"
	"github.com/duskpetrel/duskpetrel/internal/tools"
	"github.com/duskpetrel/duskpetrel/internal/usage"
)

// Recorder receives loop events for session persistence. The orchestrator
// implements it over the session manager; subagents pass nil.
type Recorder interface {
	RecordAssistant(content *string, toolCalls []schema.ToolCall, tokens int64) error
	RecordToolResult(callID, name, result string) error
}

// LoopRunner executes the provider ↔ tool iteration loop for one message,
// under retry, cost, and turn budgets.
type LoopRunner struct {
	provider    schema.LLMProvider
	model       string
	maxTokens   int
	temperature float64
	cost        usage.Cost

	retryCfg    retry.Config
	tracker     *usage.Tracker
	costs       *usage.Store
	maxTurns    int
	costCeiling float64
}

// NewLoopRunner builds a runner for one provider profile. costs may be nil
// (no durable cost records, e.g. in subagents spawned for tests).
func NewLoopRunner(provider schema.LLMProvider, profile *config.ProviderProfile,
	retryCfg retry.Config, tracker *usage.Tracker, costs *usage.Store,
	maxTurns int, costCeiling float64) *LoopRunner {
	if maxTurns <= 0 {
		maxTurns = 20
	}
	return &LoopRunner{
		provider:    provider,
		model:       profile.Model,
		maxTokens:   profile.MaxTokens,
		temperature: profile.Temperature,
		cost: usage.Cost{
			Input:     profile.InputPrice,
			Output:    profile.OutputPrice,
			CacheRead: profile.CacheReadPrice,
		},
		retryCfg:    retryCfg,
		tracker:     tracker,
		costs:       costs,
		maxTurns:    maxTurns,
		costCeiling: costCeiling,
	}
}

// Run iterates provider calls and tool dispatch until the model stops, the
// turn budget is exhausted, the session cost ceiling is hit, or ctx is
// cancelled. Budget exhaustion returns fallback text, not an error; the
// error return carries provider failures and cancellation only.
func (r *LoopRunner) Run(ctx context.Context, sessionKey string, conversation schema.Messages,
	registry *tools.Registry, rec Recorder, onProgress func(string)) (string, error) {

	defs := registry.Definitions()
	opts := schema.NewChatOptions(r.model, r.maxTokens, r.temperature)

	for turn := 0; turn < r.maxTurns; turn++ {
		resp, err := retry.Do(ctx, r.retryCfg, schema.IsRetryable,
			func(ctx context.Context) (schema.CompletionResponse, error) {
				return r.provider.Chat(ctx, conversation, defs, opts)
			})
		if err != nil {
			return "", fmt.Errorf("provider call: %w", err)
		}

		r.recordCost(ctx, sessionKey, resp.Usage)
		if r.costCeiling > 0 && r.tracker.SessionCost(sessionKey) > r.costCeiling {
			slog.Warn("session cost ceiling reached", "session", sessionKey, "ceiling", r.costCeiling)
			return "I've hit the spending limit for this conversation and have to stop here.", nil
		}

		toolCalls := make([]schema.ToolCall, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			toolCalls = append(toolCalls, schema.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		conversation.AddAssistant(resp.Content, toolCalls)
		if rec != nil {
			if err := rec.RecordAssistant(resp.Content, toolCalls, resp.Usage.OutputTokens); err != nil {
				return "", fmt.Errorf("record assistant turn: %w", err)
			}
		}

		if len(resp.ToolCalls) == 0 {
			if resp.Content != nil {
				return *resp.Content, nil
			}
			return "", nil
		}

		if onProgress != nil {
			if resp.Content != nil && *resp.Content != "" {
				onProgress(*resp.Content)
			}
			onProgress(toolHint(resp.ToolCalls))
		}

		results := dispatchParallel(ctx, registry, resp.ToolCalls)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		for i, tc := range resp.ToolCalls {
			conversation.AddToolResult(tc.ID, tc.Name, results[i])
			if rec != nil {
				if err := rec.RecordToolResult(tc.ID, tc.Name, results[i]); err != nil {
					return "", fmt.Errorf("record tool result: %w", err)
				}
			}
		}
	}

	return "I've reached the maximum number of tool iterations without a final answer.", nil
}

// dispatchParallel runs all tool calls of one turn concurrently and joins
// before the next provider call. Every failure kind, panics included,
// becomes a textual result the model can see rather than aborting the turn.
func dispatchParallel(ctx context.Context, registry *tools.Registry, calls []schema.ToolCallRequest) []string {
	results := make([]string, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call schema.ToolCallRequest) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					results[i] = fmt.Sprintf("Error: tool %s panicked: %v", call.Name, p)
				}
			}()
			slog.Info("tool call", "name", call.Name, "id", call.ID)
			out, err := registry.Dispatch(ctx, call)
			if err != nil {
				out = "Error: " + err.Error()
			}
			results[i] = out
		}(i, call)
	}
	wg.Wait()
	return results
}

func (r *LoopRunner) recordCost(ctx context.Context, sessionKey string, u schema.Usage) {
	rec := usage.Record{
		Model:     r.model,
		Session:   sessionKey,
		Usage:     u,
		Dollars:   r.cost.Estimate(u),
		Timestamp: time.Now(),
	}
	r.tracker.Add(rec)
	if r.costs != nil {
		if err := r.costs.Append(ctx, rec); err != nil {
			slog.Warn("cost record append failed", "error", err)
		}
	}
}

func toolHint(calls []schema.ToolCallRequest) string {
	if len(calls) == 1 {
		return fmt.Sprintf("[using %s...]", calls[0].Name)
	}
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return fmt.Sprintf("[using %d tools...]", len(names))
}
