package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/duskpetrel/duskpetrel/internal/memory"
	"github.com/duskpetrel/duskpetrel/internal/schema"
)

func sessionKeyFromTurn(tc TurnContext) string {
	if tc.Source == "" || tc.ChatID == "" {
		return ""
	}
	return string(tc.Source) + ":" + tc.ChatID
}

// ---------------------------------------------------------------------------
// MemoryWriteTool

// MemoryWriteTool saves a durable fact, optionally registering an alias for
// the entity first.
type MemoryWriteTool struct {
	store *memory.Store
}

func NewMemoryWriteTool(store *memory.Store) *MemoryWriteTool {
	return &MemoryWriteTool{store: store}
}

func (t *MemoryWriteTool) Name() string               { return "memory_write" }
func (t *MemoryWriteTool) Danger() schema.DangerClass { return schema.DangerLow }
func (t *MemoryWriteTool) Description() string {
	return "Save a durable fact about an entity (entity/attribute/value). " +
		"Overwrites any previous value for the same entity and attribute."
}
func (t *MemoryWriteTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"entity": {
				"type": "string",
				"description": "Canonical entity name in snake_case, e.g. nicolas_forstinger"
			},
			"attribute": {
				"type": "string",
				"description": "Attribute name, e.g. birthday, employer"
			},
			"value": {
				"type": "string",
				"description": "The value to remember"
			},
			"alias": {
				"type": "string",
				"description": "Optional human-readable name to map onto the entity"
			},
			"confidence": {
				"type": "number",
				"description": "Confidence 0-1, defaults to 1"
			}
		},
		"required": ["entity", "attribute", "value"]
	}`)
}

func (t *MemoryWriteTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	entity, _ := params["entity"].(string)
	attribute, _ := params["attribute"].(string)
	value, _ := params["value"].(string)
	if entity == "" || attribute == "" || value == "" {
		return "Error: entity, attribute, and value are required", nil
	}
	confidence := 1.0
	if c, ok := params["confidence"].(float64); ok && c > 0 {
		confidence = c
	}

	if alias, ok := params["alias"].(string); ok && alias != "" {
		if err := t.store.AddAlias(ctx, alias, entity, confidence); err != nil {
			return "Error: " + err.Error(), nil
		}
	}

	session := sessionKeyFromTurn(TurnCtx(ctx))
	if err := t.store.WriteFact(ctx, entity, attribute, value, confidence, session); err != nil {
		return "Error: " + err.Error(), nil
	}
	return fmt.Sprintf("Remembered: %s.%s = %s", entity, attribute, value), nil
}

// ---------------------------------------------------------------------------
// MemoryForgetTool

// MemoryForgetTool invalidates a stored fact. The fact row is kept for
// provenance, it just stops appearing in lookups.
type MemoryForgetTool struct {
	store *memory.Store
}

func NewMemoryForgetTool(store *memory.Store) *MemoryForgetTool {
	return &MemoryForgetTool{store: store}
}

func (t *MemoryForgetTool) Name() string               { return "memory_forget" }
func (t *MemoryForgetTool) Danger() schema.DangerClass { return schema.DangerMedium }
func (t *MemoryForgetTool) Description() string {
	return "Forget a stored fact by its numeric id (as returned by memory_lookup)."
}
func (t *MemoryForgetTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"fact_id": {
				"type": "integer",
				"description": "The id of the fact to forget"
			}
		},
		"required": ["fact_id"]
	}`)
}

func (t *MemoryForgetTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	id, ok := numericToInt64(params["fact_id"])
	if !ok {
		return "Error: fact_id is required", nil
	}
	if err := t.store.ForgetFact(ctx, id); err != nil {
		return "Error: " + err.Error(), nil
	}
	return fmt.Sprintf("Forgot fact %d", id), nil
}

// ---------------------------------------------------------------------------
// MemoryLookupTool

// MemoryLookupTool reads facts and episodes back. Entity names go through
// the alias table, so asking about "Nico" finds nicolas_forstinger.
type MemoryLookupTool struct {
	store *memory.Store
}

func NewMemoryLookupTool(store *memory.Store) *MemoryLookupTool {
	return &MemoryLookupTool{store: store}
}

func (t *MemoryLookupTool) Name() string               { return "memory_lookup" }
func (t *MemoryLookupTool) Danger() schema.DangerClass { return schema.DangerLow }
func (t *MemoryLookupTool) Description() string {
	return "Look up stored facts about an entity, or search past episodes."
}
func (t *MemoryLookupTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"entity": {
				"type": "string",
				"description": "Entity or alias to look up facts for"
			},
			"attribute": {
				"type": "string",
				"description": "Optional attribute filter"
			},
			"episodes": {
				"type": "string",
				"description": "Optional free-text query over past episodes"
			}
		}
	}`)
}

func (t *MemoryLookupTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	entity, _ := params["entity"].(string)
	attribute, _ := params["attribute"].(string)
	episodeQuery, _ := params["episodes"].(string)

	if entity == "" && episodeQuery == "" {
		return "Error: provide an entity or an episodes query", nil
	}

	var sb strings.Builder
	if entity != "" {
		facts, err := t.store.LookupFacts(ctx, entity, attribute)
		if err != nil {
			return "Error: " + err.Error(), nil
		}
		if len(facts) == 0 {
			sb.WriteString(fmt.Sprintf("No facts stored for %s.\n", entity))
		} else {
			sb.WriteString(fmt.Sprintf("Facts for %s:\n", facts[0].Entity))
			for _, f := range facts {
				sb.WriteString(fmt.Sprintf("- [%d] %s = %s (confidence %.2f)\n",
					f.ID, f.Attribute, f.Value, f.Confidence))
			}
		}
	}
	if episodeQuery != "" {
		episodes, err := t.store.SearchEpisodes(ctx, episodeQuery, 5)
		if err != nil {
			return "Error: " + err.Error(), nil
		}
		if len(episodes) == 0 {
			sb.WriteString(fmt.Sprintf("No episodes matching %q.\n", episodeQuery))
		} else {
			sb.WriteString("Episodes:\n")
			for _, e := range episodes {
				sb.WriteString(fmt.Sprintf("- %s: %s\n", e.Title, e.Body))
			}
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// ---------------------------------------------------------------------------
// CommitmentTool

// CommitmentTool lists and transitions tracked commitments.
type CommitmentTool struct {
	store *memory.Store
}

func NewCommitmentTool(store *memory.Store) *CommitmentTool {
	return &CommitmentTool{store: store}
}

func (t *CommitmentTool) Name() string               { return "commitment_update" }
func (t *CommitmentTool) Danger() schema.DangerClass { return schema.DangerLow }
func (t *CommitmentTool) Description() string {
	return "List open commitments, add a new one, or mark one done/expired/cancelled."
}
func (t *CommitmentTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {
				"type": "string",
				"enum": ["list", "add", "update"],
				"description": "Action to perform"
			},
			"description": {
				"type": "string",
				"description": "Commitment description (for add)"
			},
			"due": {
				"type": "string",
				"description": "Optional due date YYYY-MM-DD (for add)"
			},
			"commitment_id": {
				"type": "string",
				"description": "Commitment id (for update)"
			},
			"status": {
				"type": "string",
				"enum": ["open", "done", "expired", "cancelled"],
				"description": "New status (for update)"
			}
		},
		"required": ["action"]
	}`)
}

func (t *CommitmentTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	action, _ := params["action"].(string)
	switch action {
	case "list":
		open, err := t.store.OpenCommitments(ctx)
		if err != nil {
			return "Error: " + err.Error(), nil
		}
		if len(open) == 0 {
			return "No open commitments.", nil
		}
		var sb strings.Builder
		sb.WriteString("Open commitments:\n")
		for _, c := range open {
			sb.WriteString(fmt.Sprintf("- [%s] %s\n", c.ID, c.Description))
		}
		return strings.TrimRight(sb.String(), "\n"), nil

	case "add":
		desc, _ := params["description"].(string)
		if desc == "" {
			return "Error: description is required for add", nil
		}
		due := parseDueDate(params["due"])
		id, err := t.store.AddCommitment(ctx, desc, due)
		if err != nil {
			return "Error: " + err.Error(), nil
		}
		return fmt.Sprintf("Added commitment %s", id), nil

	case "update":
		id, _ := params["commitment_id"].(string)
		status, _ := params["status"].(string)
		if id == "" || status == "" {
			return "Error: commitment_id and status are required for update", nil
		}
		if err := t.store.UpdateCommitment(ctx, id, status); err != nil {
			return "Error: " + err.Error(), nil
		}
		return fmt.Sprintf("Commitment %s is now %s", id, status), nil

	default:
		return fmt.Sprintf("Unknown action: %s", action), nil
	}
}

func parseDueDate(v any) time.Time {
	s, _ := v.(string)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t
	}
	return time.Time{}
}
