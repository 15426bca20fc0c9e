package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/duskpetrel/duskpetrel/internal/bus"
	"github.com/duskpetrel/duskpetrel/internal/schema"
)

func TestBoundary_SiblingNameNotAdmitted(t *testing.T) {
	base := t.TempDir()
	allowed := filepath.Join(base, "workspace")
	evil := filepath.Join(base, "workspace-evil")
	for _, d := range []string{allowed, evil} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(evil, "secret.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := NewBoundary(allowed, []string{allowed})

	if _, err := b.CheckPath(filepath.Join(allowed, "notes.md")); err != nil {
		t.Errorf("path inside the root rejected: %v", err)
	}
	if _, err := b.CheckPath(filepath.Join(evil, "secret.txt")); err == nil {
		t.Error("sibling directory sharing the root's name prefix was admitted")
	}
}

func TestBoundary_SymlinkEscapeBlocked(t *testing.T) {
	base := t.TempDir()
	allowed := filepath.Join(base, "ws")
	outside := filepath.Join(base, "outside")
	for _, d := range []string{allowed, outside} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	target := filepath.Join(outside, "creds.txt")
	if err := os.WriteFile(target, []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(allowed, "innocent.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	b := NewBoundary(allowed, []string{allowed})
	if _, err := b.CheckPath("innocent.txt"); err == nil {
		t.Error("symlink pointing outside the boundary was admitted")
	}
}

func TestBoundary_RelativeAndNonexistentPaths(t *testing.T) {
	ws := t.TempDir()
	b := NewBoundary(ws, []string{ws})

	// A file that does not exist yet must still resolve for writes.
	p, err := b.CheckPath("sub/dir/new.md")
	if err != nil {
		t.Fatalf("CheckPath for new file: %v", err)
	}
	if !strings.HasPrefix(p, ws) {
		t.Errorf("resolved path %q escaped the workspace", p)
	}

	if _, err := b.CheckPath("../outside.txt"); err == nil {
		t.Error("dot-dot traversal out of the workspace was admitted")
	}
}

func TestFilesystemTools_RoundTrip(t *testing.T) {
	ws := t.TempDir()
	b := NewBoundary(ws, []string{ws})
	ctx := context.Background()

	write := NewWriteFileTool(b)
	if out, _ := write.Execute(ctx, map[string]any{"path": "a/notes.md", "content": "hello world"}); !strings.Contains(out, "Successfully wrote") {
		t.Fatalf("write result: %q", out)
	}

	read := NewReadFileTool(b)
	if out, _ := read.Execute(ctx, map[string]any{"path": "a/notes.md"}); out != "hello world" {
		t.Errorf("read result: %q", out)
	}

	edit := NewEditFileTool(b)
	if out, _ := edit.Execute(ctx, map[string]any{
		"path": "a/notes.md", "old_text": "world", "new_text": "there",
	}); !strings.Contains(out, "Successfully edited") {
		t.Errorf("edit result: %q", out)
	}
	if out, _ := read.Execute(ctx, map[string]any{"path": "a/notes.md"}); out != "hello there" {
		t.Errorf("after edit: %q", out)
	}

	list := NewListDirTool(b)
	if out, _ := list.Execute(ctx, map[string]any{"path": "a"}); !strings.Contains(out, "[F] notes.md") {
		t.Errorf("list result: %q", out)
	}
}

func TestEditFileTool_AmbiguousAndMissing(t *testing.T) {
	ws := t.TempDir()
	b := NewBoundary(ws, []string{ws})
	ctx := context.Background()
	if err := os.WriteFile(filepath.Join(ws, "f.txt"), []byte("dup\ndup\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	edit := NewEditFileTool(b)
	out, _ := edit.Execute(ctx, map[string]any{"path": "f.txt", "old_text": "dup", "new_text": "x"})
	if !strings.Contains(out, "appears 2 times") {
		t.Errorf("ambiguous edit result: %q", out)
	}

	out, _ = edit.Execute(ctx, map[string]any{"path": "f.txt", "old_text": "absent", "new_text": "x"})
	if !strings.Contains(out, "not found") {
		t.Errorf("missing edit result: %q", out)
	}
}

// stubTool is a minimal tool for registry tests.
type stubTool struct {
	name   string
	result string
}

func (s stubTool) Name() string               { return s.name }
func (s stubTool) Description() string        { return "stub" }
func (s stubTool) Danger() schema.DangerClass { return schema.DangerLow }
func (s stubTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"n": {"type": "integer", "minimum": 1}
		},
		"required": ["n"]
	}`)
}
func (s stubTool) Execute(_ context.Context, _ map[string]any) (string, error) {
	return s.result, nil
}

func TestRegistry_UnknownToolListsAvailable(t *testing.T) {
	r := NewRegistry(stubTool{name: "alpha"}, stubTool{name: "beta"})
	out, err := r.Dispatch(context.Background(), schema.ToolCallRequest{Name: "gamma"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Unknown tool") || !strings.Contains(out, "alpha, beta") {
		t.Errorf("unknown tool result: %q", out)
	}
}

func TestRegistry_ValidatesArguments(t *testing.T) {
	r := NewRegistry(stubTool{name: "alpha", result: "ok"})

	out, err := r.Dispatch(context.Background(), schema.ToolCallRequest{
		Name: "alpha", Arguments: map[string]any{"n": float64(3)},
	})
	if err != nil || out != "ok" {
		t.Errorf("valid call = %q, %v", out, err)
	}

	out, _ = r.Dispatch(context.Background(), schema.ToolCallRequest{
		Name: "alpha", Arguments: map[string]any{},
	})
	if !strings.Contains(out, "Invalid arguments") {
		t.Errorf("missing required arg result: %q", out)
	}

	out, _ = r.Dispatch(context.Background(), schema.ToolCallRequest{
		Name: "alpha", Arguments: map[string]any{"n": float64(0)},
	})
	if !strings.Contains(out, "Invalid arguments") {
		t.Errorf("below-minimum arg result: %q", out)
	}
}

func TestRegistry_RawArgumentsReportedNotExecuted(t *testing.T) {
	r := NewRegistry(stubTool{name: "alpha", result: "ran"})
	out, _ := r.Dispatch(context.Background(), schema.ToolCallRequest{
		Name: "alpha", RawArguments: `{"n": unclosed`,
	})
	if out == "ran" {
		t.Error("tool ran despite unparseable arguments")
	}
	if !strings.Contains(out, "not valid JSON") {
		t.Errorf("raw arguments result: %q", out)
	}
}

func TestRegistry_WithoutDeniesTools(t *testing.T) {
	r := NewRegistry(stubTool{name: "exec"}, stubTool{name: "spawn"}, stubTool{name: "read_file"})
	sub := r.Without([]string{"spawn", "message"})

	if sub.Get("spawn") != nil {
		t.Error("denied tool still present")
	}
	if sub.Get("exec") == nil || sub.Get("read_file") == nil {
		t.Error("allowed tools missing from subset")
	}
	if r.Get("spawn") == nil {
		t.Error("Without mutated the parent registry")
	}
}

func TestRegistry_DefinitionsStableOrder(t *testing.T) {
	r := NewRegistry(stubTool{name: "zeta"}, stubTool{name: "alpha"})
	defs := r.Definitions()
	if len(defs) != 2 {
		t.Fatalf("got %d definitions", len(defs))
	}
	first := defs[0]["function"].(map[string]any)["name"]
	if first != "alpha" {
		t.Errorf("definitions not sorted, first = %v", first)
	}
}

func TestIsSecretName(t *testing.T) {
	suffixes := []string{"_KEY", "_TOKEN", "_SECRET", "_PASSWORD", "_CREDENTIALS"}
	tests := []struct {
		name string
		want bool
	}{
		{"OPENAI_API_KEY", true},
		{"GITHUB_TOKEN", true},
		{"db_password", true},
		{"AWS_SECRET", true},
		{"DUSKPETREL_WORKSPACE", true},
		{"duskpetrel_debug", true},
		{"PATH", false},
		{"HOME", false},
		{"KEYBOARD_LAYOUT", false},
	}
	for _, tt := range tests {
		if got := isSecretName(tt.name, suffixes); got != tt.want {
			t.Errorf("isSecretName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestExecTool_FiltersSecretsFromEnv(t *testing.T) {
	t.Setenv("SOMETHIRDPARTY_TOKEN", "sensitive")
	t.Setenv("DUSKPETREL_GATEWAY_PORT", "18790")
	t.Setenv("HARMLESS_SETTING", "visible")

	ws := t.TempDir()
	e := NewExecTool(NewBoundary(ws, []string{ws}), ws, 10, []string{"_TOKEN"})
	env := e.filteredEnv()

	joined := strings.Join(env, "\n")
	if strings.Contains(joined, "SOMETHIRDPARTY_TOKEN") {
		t.Error("secret variable leaked into child environment")
	}
	if strings.Contains(joined, "DUSKPETREL_GATEWAY_PORT") {
		t.Error("daemon variable leaked into child environment")
	}
	if !strings.Contains(joined, "HARMLESS_SETTING=visible") {
		t.Error("plain variable missing from child environment")
	}
}

func TestGuardCommand(t *testing.T) {
	blocked := []string{
		"rm -rf /",
		"sudo rm -r /home",
		"dd if=/dev/zero of=/dev/sda",
		"shutdown now",
		":(){ :|:& };:",
	}
	for _, cmd := range blocked {
		if guardCommand(cmd) == "" {
			t.Errorf("command %q not blocked", cmd)
		}
	}
	allowed := []string{"ls -la", "grep -r pattern .", "git status"}
	for _, cmd := range allowed {
		if guardCommand(cmd) != "" {
			t.Errorf("command %q wrongly blocked", cmd)
		}
	}
}

func TestExecTool_RunsInWorkspace(t *testing.T) {
	ws := t.TempDir()
	resolved, err := filepath.EvalSymlinks(ws)
	if err != nil {
		resolved = ws
	}
	e := NewExecTool(NewBoundary(resolved, []string{resolved}), resolved, 10, nil)
	out, err := e.Execute(context.Background(), map[string]any{"command": "pwd"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, resolved) {
		t.Errorf("pwd output %q does not contain workspace %q", out, resolved)
	}
}

func TestMessageTool_RoutesFromTurnContext(t *testing.T) {
	mb := bus.NewMessageBus(4)
	mt := NewMessageTool(mb)

	sent := make(chan struct{})
	ctx := WithTurn(context.Background(), TurnContext{
		Source: bus.SourceTelegram, ChatID: "42", MsgID: "m1", MessageSent: sent,
	})

	out, err := mt.Execute(ctx, map[string]any{"content": "hi there"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "telegram:42") {
		t.Errorf("result: %q", out)
	}

	select {
	case msg := <-mb.Outbound:
		if msg.Source != bus.SourceTelegram || msg.ChatID != "42" || msg.Text != "hi there" {
			t.Errorf("outbound = %+v", msg)
		}
		if msg.Metadata["message_id"] != "m1" {
			t.Errorf("metadata = %+v", msg.Metadata)
		}
	default:
		t.Fatal("no outbound message published")
	}

	select {
	case <-sent:
	default:
		t.Error("MessageSent not closed")
	}
}

func TestMessageTool_NoTargetFails(t *testing.T) {
	mt := NewMessageTool(bus.NewMessageBus(1))
	out, _ := mt.Execute(context.Background(), map[string]any{"content": "hi"})
	if !strings.Contains(out, "No target") {
		t.Errorf("result: %q", out)
	}
}
