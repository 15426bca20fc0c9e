package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/duskpetrel/duskpetrel/internal/memory"
	"github.com/duskpetrel/duskpetrel/internal/schema"
)

// personaFiles lists workspace files loaded into the stable tier of the
// system prompt, in order.
var personaFiles = []string{"AGENTS.md", "SOUL.md", "USER.md", "IDENTITY.md"}

// ContextBuilder assembles the message list for a provider call. The prompt
// is tiered so an unchanged prefix can be cache-reused across turns: stable
// persona + skills first, then per-sender recall, then history, then the
// current message.
type ContextBuilder struct {
	workspace string
	store     *memory.Store
	embedder  schema.Embedder
	recall    memory.RecallOptions
	skills    *SkillsLoader
}

// NewContextBuilder creates a ContextBuilder. store and embedder may be nil
// when memory is disabled; recall blocks are then omitted.
func NewContextBuilder(workspace string, store *memory.Store, embedder schema.Embedder, recall memory.RecallOptions) *ContextBuilder {
	return &ContextBuilder{
		workspace: workspace,
		store:     store,
		embedder:  embedder,
		recall:    recall,
		skills:    NewSkillsLoader(workspace),
	}
}

// BuildMessages builds the complete conversation for one provider call.
// senderKey is the session key ("source:chat_id"); query drives memory
// recall and is usually the raw user text.
func (cb *ContextBuilder) BuildMessages(ctx context.Context, history schema.Messages, userContent any, query, senderKey string) schema.Messages {
	messages := schema.NewMessages(schema.NewSystemMessage(cb.stablePrompt(senderKey)))

	if dynamic := cb.dynamicContext(ctx, query); dynamic != "" {
		messages.Add(schema.NewSystemMessage(dynamic))
	}

	messages.Append(history)
	messages.AddUser(userContent)
	return messages
}

// stablePrompt is the cacheable tier: identity, persona files, and the
// skills summary. It changes only when workspace files change.
func (cb *ContextBuilder) stablePrompt(senderKey string) string {
	var parts []string

	parts = append(parts, cb.buildIdentity())

	if persona := cb.loadPersonaFiles(); persona != "" {
		parts = append(parts, persona)
	}

	if alwaysNames := cb.skills.AlwaysSkills(); len(alwaysNames) > 0 {
		if content := cb.skills.LoadSkillsForContext(alwaysNames); content != "" {
			parts = append(parts, "# Active Skills\n\n"+content)
		}
	}

	if summary := cb.skills.BuildSkillsSummary(); summary != "" {
		parts = append(parts, `# Skills

The following skills extend your capabilities. To use a skill, read its SKILL.md file using the read_file tool.
Skills with available="false" need dependencies installed first.

`+summary)
	}

	if senderKey != "" {
		parts = append(parts, "# Current Session\nSession key: "+senderKey)
	}

	return strings.Join(parts, "\n\n---\n\n")
}

// dynamicContext is the per-turn tier: structured facts and commitments,
// then unstructured recall for the current query.
func (cb *ContextBuilder) dynamicContext(ctx context.Context, query string) string {
	if cb.store == nil {
		return ""
	}
	var parts []string

	if commitments, err := cb.store.OpenCommitments(ctx); err == nil && len(commitments) > 0 {
		var sb strings.Builder
		sb.WriteString("# Open Commitments\n")
		for _, c := range commitments {
			sb.WriteString("- " + c.Description)
			if c.DueTS > 0 {
				sb.WriteString(" (due " + time.Unix(c.DueTS, 0).Format("2006-01-02") + ")")
			}
			sb.WriteString("\n")
		}
		parts = append(parts, strings.TrimRight(sb.String(), "\n"))
	}

	if query != "" {
		block, err := cb.store.Recall(ctx, query, cb.embedder, cb.recall)
		if err != nil {
			slog.Warn("memory recall failed", "error", err)
		} else if block != "" {
			parts = append(parts, "# Relevant Memory\n\n"+block)
		}
	}

	return strings.Join(parts, "\n\n")
}

// buildIdentity returns the core identity section of the system prompt.
func (cb *ContextBuilder) buildIdentity() string {
	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	tz, _ := time.Now().Zone()
	if tz == "" {
		tz = "UTC"
	}
	osName := runtime.GOOS
	if osName == "darwin" {
		osName = "macOS"
	}

	return fmt.Sprintf(`# duskpetrel

You are duskpetrel, a persistent personal assistant.

## Current Time
%s (%s)

## Runtime
%s %s, Go %s

## Workspace
Your workspace is at: %s
- Persona files: AGENTS.md, SOUL.md, USER.md, IDENTITY.md
- Custom skills: skills/{skill-name}/SKILL.md
- Notes you write under the workspace are indexed into long-term memory.

When responding to direct questions, reply directly with your text response.
Only use the 'message' tool to reach a different chat than the one you are answering.
If a context warning appears at the start of a message, persist anything important with memory_write before continuing — older conversation will be summarised away.
Reply with exactly NO_REPLY when no response is appropriate.`,
		now, tz,
		osName, runtime.GOARCH, runtime.Version(),
		cb.workspace,
	)
}

// loadPersonaFiles reads the persona markdown files from the workspace.
func (cb *ContextBuilder) loadPersonaFiles() string {
	var parts []string
	for _, name := range personaFiles {
		data, err := os.ReadFile(filepath.Join(cb.workspace, name))
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", name, string(data)))
	}
	return strings.Join(parts, "\n\n")
}
