package usage

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/duskpetrel/duskpetrel/internal/schema"
)

func TestCost_Estimate(t *testing.T) {
	c := Cost{Input: 3.0, Output: 15.0, CacheRead: 0.3}
	u := schema.Usage{InputTokens: 1_000_000, OutputTokens: 100_000, CacheReadTokens: 500_000}
	got := c.Estimate(u)
	want := 3.0 + 1.5 + 0.15
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Estimate = %v, want %v", got, want)
	}
}

func TestTracker_SessionCeilingAccounting(t *testing.T) {
	tr := NewTracker()
	tr.Add(Record{Model: "m", Session: "telegram:1", Usage: schema.Usage{InputTokens: 10}, Dollars: 0.5})
	tr.Add(Record{Model: "m", Session: "telegram:1", Usage: schema.Usage{OutputTokens: 20}, Dollars: 0.25})
	tr.Add(Record{Model: "m", Session: "telegram:2", Dollars: 1.0})

	if got := tr.SessionCost("telegram:1"); math.Abs(got-0.75) > 1e-9 {
		t.Errorf("SessionCost = %v, want 0.75", got)
	}
	total := tr.Total()
	if total.Calls != 3 || total.InputTokens != 10 || total.OutputTokens != 20 {
		t.Errorf("unexpected totals: %+v", total)
	}

	tr.ResetSession("telegram:1")
	if got := tr.SessionCost("telegram:1"); got != 0 {
		t.Errorf("SessionCost after reset = %v, want 0", got)
	}
}

func TestStore_AppendAndTotals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cost.db")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 3; i++ {
		err := s.Append(ctx, Record{
			Model:     "claude-sonnet-4-5",
			Session:   "cli:me",
			Usage:     schema.Usage{InputTokens: 100, OutputTokens: 50},
			Dollars:   0.01,
			Timestamp: now,
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	totals, err := s.TotalsSince(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("TotalsSince: %v", err)
	}
	if totals.Calls != 3 || totals.InputTokens != 300 || totals.OutputTokens != 150 {
		t.Errorf("unexpected totals: %+v", totals)
	}
	if math.Abs(totals.Dollars-0.03) > 1e-9 {
		t.Errorf("dollars = %v, want 0.03", totals.Dollars)
	}

	old, err := s.TotalsSince(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if old.Calls != 0 {
		t.Errorf("expected no records in future window, got %d", old.Calls)
	}
}
