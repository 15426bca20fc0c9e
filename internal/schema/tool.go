package schema

import (
	"context"
	"encoding/json"
)

// DangerClass grades how much damage a misused tool can do. It drives
// operator-facing listings and the subagent deny list defaults; it never
// gates dispatch on its own.
type DangerClass string

const (
	DangerCritical DangerClass = "critical"
	DangerHigh     DangerClass = "high"
	DangerMedium   DangerClass = "medium"
	DangerLow      DangerClass = "low"
)

// Tool is the interface all LLM-callable tools must satisfy.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema (as raw JSON bytes) for this tool's
	// arguments. The registry validates arguments against it before Execute.
	Parameters() json.RawMessage
	Danger() DangerClass
	// Execute runs the tool. Boundary rejections and handler failures are
	// returned as the string result ("Error: ..."); the error return is
	// reserved for context cancellation.
	Execute(ctx context.Context, params map[string]any) (string, error)
}
