package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/duskpetrel/duskpetrel/internal/bus"
	"github.com/duskpetrel/duskpetrel/internal/schema"
)

// CronJobSummary is a lightweight view of a scheduled job.
type CronJobSummary struct {
	ID   string
	Name string
	Kind string
}

// CronService is what the cron tool needs from the scheduler.
type CronService interface {
	AddJob(name, message, kind string, everyMs int64, cronExpr, tz string, atMs int64,
		enabled bool, source bus.Source, chatID string, deleteAfterRun bool) (string, error)
	ListJobs() []CronJobSummary
	RemoveJob(id string) bool
}

// CronTool lets the agent schedule reminders and recurring tasks. Delivery
// routing is read from TurnContext at call time.
type CronTool struct {
	svc CronService
}

// NewCronTool creates a CronTool backed by the given service.
func NewCronTool(svc CronService) *CronTool {
	return &CronTool{svc: svc}
}

func (t *CronTool) Name() string               { return "cron" }
func (t *CronTool) Danger() schema.DangerClass { return schema.DangerMedium }

func (t *CronTool) Description() string {
	return "Schedule reminders and recurring tasks. Actions: add, list, remove."
}

func (t *CronTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {
				"type": "string",
				"enum": ["add", "list", "remove"],
				"description": "Action to perform"
			},
			"message": {
				"type": "string",
				"description": "Reminder message (for add)"
			},
			"every_seconds": {
				"type": "integer",
				"description": "Interval in seconds (for recurring tasks)"
			},
			"cron_expr": {
				"type": "string",
				"description": "Cron expression like '0 9 * * *' (for scheduled tasks)"
			},
			"tz": {
				"type": "string",
				"description": "IANA timezone for cron expressions (e.g. 'Europe/Vienna')"
			},
			"at": {
				"type": "string",
				"description": "ISO datetime for one-time execution (e.g. '2026-02-12T10:30:00')"
			},
			"job_id": {
				"type": "string",
				"description": "Job ID (for remove)"
			}
		},
		"required": ["action"]
	}`)
}

func (t *CronTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	action, _ := params["action"].(string)
	switch action {
	case "add":
		return t.addJob(TurnCtx(ctx), params), nil
	case "list":
		return t.listJobs(), nil
	case "remove":
		return t.removeJob(params), nil
	default:
		return fmt.Sprintf("Unknown action: %s", action), nil
	}
}

func (t *CronTool) addJob(tc TurnContext, params map[string]any) string {
	message, _ := params["message"].(string)
	if message == "" {
		return "Error: message is required for add"
	}
	if tc.Source == "" || tc.ChatID == "" {
		return "Error: no session context (source/chat_id)"
	}

	var kind string
	var everyMs, atMs int64
	var cronExpr, tz string
	deleteAfterRun := false

	if v, ok := numericToInt64(params["every_seconds"]); ok && v > 0 {
		kind = "every"
		everyMs = v * 1000
	} else if expr, ok := params["cron_expr"].(string); ok && expr != "" {
		kind = "cron"
		cronExpr = expr
		if tzVal, ok := params["tz"].(string); ok {
			tz = tzVal
		}
	} else if atStr, ok := params["at"].(string); ok && atStr != "" {
		dt, err := time.Parse(time.RFC3339, atStr)
		if err != nil {
			dt, err = time.ParseInLocation("2006-01-02T15:04:05", atStr, time.Local)
			if err != nil {
				return fmt.Sprintf("Error: invalid 'at' datetime %q: %v", atStr, err)
			}
		}
		kind = "at"
		atMs = dt.UnixMilli()
		deleteAfterRun = true
	} else {
		return "Error: either every_seconds, cron_expr, or at is required"
	}

	name := message
	if len(name) > 30 {
		name = name[:30]
	}

	id, err := t.svc.AddJob(name, message, kind, everyMs, cronExpr, tz, atMs,
		true, tc.Source, tc.ChatID, deleteAfterRun)
	if err != nil {
		return fmt.Sprintf("Error creating job: %v", err)
	}
	return fmt.Sprintf("Created job '%s' (id: %s)", name, id)
}

func (t *CronTool) listJobs() string {
	jobs := t.svc.ListJobs()
	if len(jobs) == 0 {
		return "No scheduled jobs."
	}
	out := "Scheduled jobs:\n"
	for _, j := range jobs {
		out += fmt.Sprintf("- %s (id: %s, %s)\n", j.Name, j.ID, j.Kind)
	}
	return out
}

func (t *CronTool) removeJob(params map[string]any) string {
	jobID, _ := params["job_id"].(string)
	if jobID == "" {
		return "Error: job_id is required for remove"
	}
	if t.svc.RemoveJob(jobID) {
		return fmt.Sprintf("Removed job %s", jobID)
	}
	return fmt.Sprintf("Job %s not found", jobID)
}

// numericToInt64 converts float64 or int from JSON params to int64.
func numericToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}
