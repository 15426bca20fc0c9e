// Package usage tracks provider token usage and dollar cost, in memory for
// the current process and append-only in the cost database.
package usage

import (
	"sync"
	"time"

	"github.com/duskpetrel/duskpetrel/internal/schema"
)

// Cost is the pricing of one model, USD per million tokens.
type Cost struct {
	Input     float64
	Output    float64
	CacheRead float64
}

// Estimate returns the dollar cost of one call's usage.
func (c Cost) Estimate(u schema.Usage) float64 {
	total := float64(u.InputTokens)*c.Input +
		float64(u.OutputTokens)*c.Output +
		float64(u.CacheReadTokens)*c.CacheRead
	return total / 1_000_000
}

// Record is one provider call's accounting entry.
type Record struct {
	Model     string       `json:"model"`
	Session   string       `json:"session,omitempty"`
	Usage     schema.Usage `json:"usage"`
	Dollars   float64      `json:"dollars"`
	Timestamp time.Time    `json:"timestamp"`
}

// Totals is an aggregated view over records.
type Totals struct {
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Dollars      float64 `json:"dollars"`
}

// Tracker accumulates usage in memory; per-session dollar totals feed the
// agentic loop's cost ceiling.
type Tracker struct {
	mu        sync.Mutex
	total     Totals
	byModel   map[string]*Totals
	bySession map[string]float64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byModel:   map[string]*Totals{},
		bySession: map[string]float64{},
	}
}

// Add records one call.
func (t *Tracker) Add(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total.Calls++
	t.total.InputTokens += r.Usage.InputTokens
	t.total.OutputTokens += r.Usage.OutputTokens
	t.total.Dollars += r.Dollars

	m, ok := t.byModel[r.Model]
	if !ok {
		m = &Totals{}
		t.byModel[r.Model] = m
	}
	m.Calls++
	m.InputTokens += r.Usage.InputTokens
	m.OutputTokens += r.Usage.OutputTokens
	m.Dollars += r.Dollars

	if r.Session != "" {
		t.bySession[r.Session] += r.Dollars
	}
}

// Total returns the process-lifetime totals.
func (t *Tracker) Total() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// ByModel returns a copy of the per-model totals.
func (t *Tracker) ByModel() map[string]Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Totals, len(t.byModel))
	for k, v := range t.byModel {
		out[k] = *v
	}
	return out
}

// SessionCost returns the dollars spent in one session so far.
func (t *Tracker) SessionCost(session string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bySession[session]
}

// ResetSession clears a session's accumulated cost (after close).
func (t *Tracker) ResetSession(session string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.bySession, session)
}
