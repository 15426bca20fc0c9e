package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/duskpetrel/duskpetrel/internal/schema"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeEmbedder embeds each text as a unit vector keyed by a few keywords.
type fakeEmbedder struct {
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, 4)
		lower := strings.ToLower(text)
		if strings.Contains(lower, "coffee") {
			v[0] = 1
		}
		if strings.Contains(lower, "vienna") {
			v[1] = 1
		}
		if strings.Contains(lower, "golang") {
			v[2] = 1
		}
		v[3] = 0.01
		out[i] = v
	}
	return out, nil
}

// extractionProvider returns a canned save_extraction call once.
type extractionProvider struct {
	calls     int
	arguments map[string]any
}

func (p *extractionProvider) Chat(ctx context.Context, msgs schema.Messages, tools []map[string]any, opts schema.ChatOptions) (schema.CompletionResponse, error) {
	p.calls++
	return schema.CompletionResponse{
		ToolCalls: []schema.ToolCallRequest{{
			ID:        "call_1",
			Name:      "save_extraction",
			Arguments: p.arguments,
		}},
		StopReason: "tool_use",
	}, nil
}

func (p *extractionProvider) DefaultModel() string { return "test-model" }

func TestStructured_FactUpsertAndForget(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.WriteFact(ctx, "user", "city", "vienna", 0.9, "cli:me"); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteFact(ctx, "user", "city", "graz", 0.9, "cli:me"); err != nil {
		t.Fatal(err)
	}

	facts, err := s.LookupFacts(ctx, "user", "city")
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 1 || facts[0].Value != "graz" {
		t.Fatalf("expected single valid fact 'graz', got %+v", facts)
	}

	if err := s.ForgetFact(ctx, facts[0].ID); err != nil {
		t.Fatal(err)
	}
	facts, _ = s.LookupFacts(ctx, "user", "city")
	if len(facts) != 0 {
		t.Errorf("expected no valid facts after forget, got %+v", facts)
	}
}

func TestLookupFacts_ResolvesAlias(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddAlias(ctx, "Nicolas Forstinger", "nicolas_forstinger", 0.9); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteFact(ctx, "nicolas_forstinger", "nationality", "austrian", 0.9, ""); err != nil {
		t.Fatal(err)
	}

	facts, err := s.LookupFacts(ctx, "Nicolas Forstinger", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 1 || facts[0].Value != "austrian" {
		t.Fatalf("alias lookup failed: %+v", facts)
	}
}

func TestCommitments_Lifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.AddCommitment(ctx, "send the report", time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	open, err := s.OpenCommitments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].ID != id {
		t.Fatalf("expected one open commitment, got %+v", open)
	}

	if err := s.UpdateCommitment(ctx, id, CommitmentDone); err != nil {
		t.Fatal(err)
	}
	open, _ = s.OpenCommitments(ctx)
	if len(open) != 0 {
		t.Errorf("expected no open commitments, got %+v", open)
	}

	if err := s.UpdateCommitment(ctx, id, "bogus"); err == nil {
		t.Error("expected error for invalid status")
	}
}

func TestIndexAndRecall(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ws := t.TempDir()
	writeFile(t, ws, "notes/coffee.md", "The user prefers coffee over tea.\n\nEspresso every morning.")
	writeFile(t, ws, "notes/city.md", "They moved to Vienna in 2024.")
	writeFile(t, ws, "ignore.bin", "binary blob")

	emb := &fakeEmbedder{}
	stats, err := s.IndexWorkspace(ctx, ws, emb)
	if err != nil {
		t.Fatalf("IndexWorkspace: %v", err)
	}
	if stats.Indexed != 2 {
		t.Fatalf("expected 2 indexed files, got %+v", stats)
	}

	// Unchanged re-run skips everything.
	stats, err = s.IndexWorkspace(ctx, ws, emb)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Indexed != 0 || stats.Skipped != 2 {
		t.Errorf("expected all-skip on unchanged rerun, got %+v", stats)
	}

	block, err := s.Recall(ctx, "coffee", emb, DefaultRecallOptions())
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if !strings.Contains(block, "coffee") {
		t.Errorf("recall block missing relevant snippet: %q", block)
	}
	if !strings.Contains(block, "[Memory loaded:") || !strings.Contains(block, "[Dropped:") {
		t.Errorf("recall block missing footers: %q", block)
	}

	// Removing a file prunes its chunks.
	if err := os.Remove(filepath.Join(ws, "notes", "city.md")); err != nil {
		t.Fatal(err)
	}
	stats, err = s.IndexWorkspace(ctx, ws, emb)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Removed != 1 {
		t.Errorf("expected 1 removed file, got %+v", stats)
	}
}

func TestRecall_Deterministic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ws := t.TempDir()
	writeFile(t, ws, "a.md", "golang servers and golang tooling")
	writeFile(t, ws, "b.md", "golang concurrency patterns")
	emb := &fakeEmbedder{}
	if _, err := s.IndexWorkspace(ctx, ws, emb); err != nil {
		t.Fatal(err)
	}

	first, err := s.Recall(ctx, "golang", emb, DefaultRecallOptions())
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Recall(ctx, "golang", emb, DefaultRecallOptions())
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("recall is not deterministic for identical inputs")
	}
}

func TestCosineSimilarity_LengthMismatchIsHardError(t *testing.T) {
	if _, err := cosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}); err == nil {
		t.Fatal("expected error for unequal vector lengths")
	}
}

func TestEmbeddingCodec_RoundTrip(t *testing.T) {
	in := []float32{0.5, -1.25, 3.75, 0}
	out := decodeEmbedding(encodeEmbedding(in))
	if len(out) != len(in) {
		t.Fatalf("length mismatch: %d vs %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("index %d: %v != %v", i, in[i], out[i])
		}
	}
}

func TestConsolidator_AliasBeforeFact(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	provider := &extractionProvider{arguments: map[string]any{
		"aliases": []any{
			map[string]any{"alias": "Nicolas Forstinger", "canonical": "nicolas_forstinger", "confidence": 0.9},
		},
		"facts": []any{
			map[string]any{"entity": "nicolas_forstinger", "attribute": "nationality", "value": "austrian", "confidence": 0.9},
		},
	}}
	c := NewConsolidator(s, provider, schema.NewChatOptions("test-model", 1024, 0.3))

	if err := c.ExtractAndStore(ctx, "telegram:1", "USER: Nicolas Forstinger is Austrian"); err != nil {
		t.Fatalf("ExtractAndStore: %v", err)
	}

	// Every fact entity resolves through the aliases table's canonical
	// column (or is its own canonical name).
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT entity FROM facts WHERE valid = 1`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var entity string
		if err := rows.Scan(&entity); err != nil {
			t.Fatal(err)
		}
		var n int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM entity_aliases WHERE canonical = ?`, entity).Scan(&n)
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 && entity != strings.ToLower(entity) {
			t.Errorf("fact entity %q has no canonical alias", entity)
		}
	}

	facts, err := s.LookupFacts(ctx, "Nicolas Forstinger", "nationality")
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 1 || facts[0].Value != "austrian" {
		t.Fatalf("expected nationality fact via alias, got %+v", facts)
	}
}

func TestConsolidator_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	logsDir := t.TempDir()
	log := `{"type":"user","ts":"2026-01-02T10:00:00Z","payload":{"text":"I moved to Vienna"}}
{"type":"assistant","ts":"2026-01-02T10:00:05Z","payload":{"text":"Noted!"}}
`
	logPath := filepath.Join(logsDir, "telegram_1.2026-01-02.events.jsonl")
	if err := os.WriteFile(logPath, []byte(log), 0o600); err != nil {
		t.Fatal(err)
	}

	provider := &extractionProvider{arguments: map[string]any{
		"facts": []any{
			map[string]any{"entity": "user", "attribute": "city", "value": "vienna"},
		},
		"episodes": []any{
			map[string]any{"title": "Move", "body": "The user moved to Vienna."},
		},
	}}
	c := NewConsolidator(s, provider, schema.NewChatOptions("test-model", 1024, 0.3))

	if err := c.ConsolidateLogs(ctx, logsDir); err != nil {
		t.Fatal(err)
	}
	if err := c.ConsolidateLogs(ctx, logsDir); err != nil {
		t.Fatal(err)
	}

	if provider.calls != 1 {
		t.Errorf("expected 1 extraction call for unchanged input, got %d", provider.calls)
	}
	var factCount, episodeCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts WHERE valid = 1`).Scan(&factCount); err != nil {
		t.Fatal(err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM episodes`).Scan(&episodeCount); err != nil {
		t.Fatal(err)
	}
	if factCount != 1 || episodeCount != 1 {
		t.Errorf("expected 1 fact and 1 episode, got %d and %d", factCount, episodeCount)
	}

	// Changed input is re-processed.
	if err := os.WriteFile(logPath, []byte(log+`{"type":"user","ts":"2026-01-03T10:00:00Z","payload":{"text":"More news"}}`+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := c.ConsolidateLogs(ctx, logsDir); err != nil {
		t.Fatal(err)
	}
	if provider.calls != 2 {
		t.Errorf("expected re-extraction after content change, got %d calls", provider.calls)
	}
}

func TestSplitChunks(t *testing.T) {
	text := "first paragraph\n\nsecond paragraph\n\n" + strings.Repeat("x", 3000)
	chunks := splitChunks(text)
	if len(chunks) < 3 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > chunkRunes {
			t.Errorf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
	}
}

func TestSessionKeyFromLogName(t *testing.T) {
	got := sessionKeyFromLogName("/x/telegram_42.2026-01-02.events.jsonl")
	if got != "telegram:42" {
		t.Errorf("got %q, want %q", got, "telegram:42")
	}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}
