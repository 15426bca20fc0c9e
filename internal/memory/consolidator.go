package memory

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/duskpetrel/duskpetrel/internal/schema"
)

// maxExtractionRunes bounds the transcript handed to one extraction call.
const maxExtractionRunes = 8000

// extractionTool is the single tool the extraction model must call.
var extractionTool = []map[string]any{{
	"type": "function",
	"function": map[string]any{
		"name":        "save_extraction",
		"description": "Save structured memory extracted from the conversation.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"aliases": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"alias":      map[string]any{"type": "string"},
							"canonical":  map[string]any{"type": "string"},
							"confidence": map[string]any{"type": "number"},
						},
						"required": []string{"alias", "canonical"},
					},
				},
				"facts": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"entity":     map[string]any{"type": "string"},
							"attribute":  map[string]any{"type": "string"},
							"value":      map[string]any{"type": "string"},
							"confidence": map[string]any{"type": "number"},
						},
						"required": []string{"entity", "attribute", "value"},
					},
				},
				"episodes": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"title": map[string]any{"type": "string"},
							"body":  map[string]any{"type": "string"},
						},
						"required": []string{"title", "body"},
					},
				},
				"commitments": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"description": map[string]any{"type": "string"},
							"due":         map[string]any{"type": "string"},
						},
						"required": []string{"description"},
					},
				},
			},
		},
	},
}}

// Extraction is the parsed result of one save_extraction call.
type Extraction struct {
	Aliases []struct {
		Alias      string  `json:"alias"`
		Canonical  string  `json:"canonical"`
		Confidence float64 `json:"confidence"`
	} `json:"aliases"`
	Facts []struct {
		Entity     string  `json:"entity"`
		Attribute  string  `json:"attribute"`
		Value      string  `json:"value"`
		Confidence float64 `json:"confidence"`
	} `json:"facts"`
	Episodes []struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	} `json:"episodes"`
	Commitments []struct {
		Description string `json:"description"`
		Due         string `json:"due"`
	} `json:"commitments"`
}

// Consolidator extracts structured memory from session logs via the LLM.
type Consolidator struct {
	store    *Store
	provider schema.LLMProvider
	opts     schema.ChatOptions
}

// NewConsolidator creates a consolidator backed by the given store and
// extraction model.
func NewConsolidator(store *Store, provider schema.LLMProvider, opts schema.ChatOptions) *Consolidator {
	return &Consolidator{store: store, provider: provider, opts: opts}
}

// ConsolidateLogs walks logsDir for session event logs and extracts memory
// from those not yet processed. Re-runs on unchanged inputs are no-ops: the
// consolidation_state and consolidation_file_hashes tables short-circuit.
func (c *Consolidator) ConsolidateLogs(ctx context.Context, logsDir string) error {
	paths, err := filepath.Glob(filepath.Join(logsDir, "*.events.jsonl"))
	if err != nil {
		return fmt.Errorf("glob session logs: %w", err)
	}

	for _, path := range paths {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		processed, err := c.consolidateLog(ctx, path)
		if err != nil {
			slog.Warn("consolidation failed for log", "path", path, "error", err)
			continue
		}
		if processed {
			slog.Info("consolidated session log", "path", path)
		}
	}
	return nil
}

func (c *Consolidator) consolidateLog(ctx context.Context, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read log: %w", err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	done, err := c.alreadyConsolidated(ctx, path, hash)
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	transcript := transcriptFromLog(data)
	if strings.TrimSpace(transcript) == "" {
		return false, c.markConsolidated(ctx, path, hash)
	}

	sessionKey := sessionKeyFromLogName(path)
	if err := c.ExtractAndStore(ctx, sessionKey, transcript); err != nil {
		return false, err
	}
	return true, c.markConsolidated(ctx, path, hash)
}

// ExtractAndStore runs one bounded extraction call and stores the results.
// Aliases land before the facts that reference them; inverting that order
// fragments the store.
func (c *Consolidator) ExtractAndStore(ctx context.Context, sessionKey, transcript string) error {
	if r := []rune(transcript); len(r) > maxExtractionRunes {
		transcript = string(r[len(r)-maxExtractionRunes:])
	}

	messages := schema.NewMessages(
		schema.NewSystemMessage(
			"You are a memory extraction agent. Read the conversation and call "+
				"save_extraction once with durable facts (entity/attribute/value, "+
				"snake_case canonical entities), name aliases for any entity known "+
				"under several names, notable episodes, and open commitments. "+
				"Extract only what is worth remembering across conversations."),
		schema.NewUserMessage("## Conversation\n"+transcript),
	)

	resp, err := c.provider.Chat(ctx, messages, extractionTool, c.opts)
	if err != nil {
		return fmt.Errorf("extraction LLM call: %w", err)
	}

	for _, call := range resp.ToolCalls {
		if call.Name != "save_extraction" {
			continue
		}
		var ex Extraction
		raw, err := json.Marshal(call.Arguments)
		if err != nil {
			return fmt.Errorf("re-marshal extraction args: %w", err)
		}
		if err := json.Unmarshal(raw, &ex); err != nil {
			return fmt.Errorf("parse extraction args: %w", err)
		}
		if err := c.storeExtraction(ctx, sessionKey, ex); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consolidator) storeExtraction(ctx context.Context, sessionKey string, ex Extraction) error {
	// Aliases first.
	for _, a := range ex.Aliases {
		conf := a.Confidence
		if conf == 0 {
			conf = 1.0
		}
		if err := c.store.AddAlias(ctx, a.Alias, a.Canonical, conf); err != nil {
			return err
		}
	}
	for _, f := range ex.Facts {
		conf := f.Confidence
		if conf == 0 {
			conf = 1.0
		}
		if err := c.store.WriteFact(ctx, f.Entity, f.Attribute, f.Value, conf, sessionKey); err != nil {
			return err
		}
	}
	for _, e := range ex.Episodes {
		if err := c.store.AddEpisode(ctx, e.Title, e.Body, time.Now(), sessionKey); err != nil {
			return err
		}
	}
	for _, cm := range ex.Commitments {
		var due time.Time
		if cm.Due != "" {
			if t, err := time.Parse("2006-01-02", cm.Due); err == nil {
				due = t
			}
		}
		if _, err := c.store.AddCommitment(ctx, cm.Description, due); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consolidator) alreadyConsolidated(ctx context.Context, path, hash string) (bool, error) {
	var prev string
	err := c.store.db.QueryRowContext(ctx,
		`SELECT hash FROM consolidation_file_hashes WHERE path = ?`, path).Scan(&prev)
	if err != nil {
		return false, nil //nolint:nilerr // missing row means not yet consolidated
	}
	return prev == hash, nil
}

func (c *Consolidator) markConsolidated(ctx context.Context, path, hash string) error {
	now := time.Now().Unix()
	if _, err := c.store.db.ExecContext(ctx,
		`INSERT INTO consolidation_state (session_file, consolidated_ts) VALUES (?, ?)
		 ON CONFLICT(session_file) DO UPDATE SET consolidated_ts = excluded.consolidated_ts`,
		path, now); err != nil {
		return fmt.Errorf("record consolidation state: %w", err)
	}
	if _, err := c.store.db.ExecContext(ctx,
		`INSERT INTO consolidation_file_hashes (path, hash) VALUES (?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = excluded.hash`,
		path, hash); err != nil {
		return fmt.Errorf("record consolidation hash: %w", err)
	}
	return nil
}

// transcriptFromLog renders the user/assistant events of a session log as
// labelled lines.
func transcriptFromLog(data []byte) string {
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	sc.Buffer(make([]byte, 1<<20), 1<<20)

	var lines []string
	for sc.Scan() {
		var ev struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		if json.Unmarshal(sc.Bytes(), &ev) != nil {
			continue
		}
		text, _ := ev.Payload["text"].(string)
		if text == "" {
			continue
		}
		switch ev.Type {
		case "user":
			lines = append(lines, "USER: "+text)
		case "assistant":
			lines = append(lines, "ASSISTANT: "+text)
		}
	}
	return strings.Join(lines, "\n")
}

// sessionKeyFromLogName recovers "source:chat" from
// "source_chat.2026-01-02.events.jsonl".
func sessionKeyFromLogName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".events.jsonl")
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return strings.Replace(base, "_", ":", 1)
}
