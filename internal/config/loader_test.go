package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir string, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_NonExistent(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.json")
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	def := DefaultConfig()
	if cfg.Agent.MaxTurns != def.Agent.MaxTurns {
		t.Errorf("expected default maxTurns %d, got %d", def.Agent.MaxTurns, cfg.Agent.MaxTurns)
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]any{
		"agent": map[string]any{
			"maxTurns":      7,
			"warnThreshold": 0.75,
		},
	})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Agent.MaxTurns != 7 {
		t.Errorf("expected maxTurns 7, got %d", cfg.Agent.MaxTurns)
	}
	if cfg.Agent.WarnThreshold != 0.75 {
		t.Errorf("expected warnThreshold 0.75, got %v", cfg.Agent.WarnThreshold)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{not valid json"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected no error for invalid JSON (falls back to default), got: %v", err)
	}
	def := DefaultConfig()
	if cfg.Agent.WarnThreshold != def.Agent.WarnThreshold {
		t.Errorf("expected default warnThreshold %v, got %v", def.Agent.WarnThreshold, cfg.Agent.WarnThreshold)
	}
}

func TestLoad_PartialConfig_UsesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]any{
		"agent": map[string]any{"debounceMs": 500},
	})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	def := DefaultConfig()
	if cfg.Agent.DebounceMs != 500 {
		t.Errorf("expected debounceMs 500, got %d", cfg.Agent.DebounceMs)
	}
	if cfg.Agent.HardThreshold != def.Agent.HardThreshold {
		t.Errorf("expected default hardThreshold %v, got %v", def.Agent.HardThreshold, cfg.Agent.HardThreshold)
	}
	if len(cfg.Agent.SilentTokens) != len(def.Agent.SilentTokens) {
		t.Errorf("expected default silentTokens, got %v", cfg.Agent.SilentTokens)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := DefaultConfig()
	original.Agent.MaxTurns = 3
	original.Routing.Sources = map[string]string{"telegram": "fast"}

	if err := Save(&original, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Agent.MaxTurns != 3 {
		t.Errorf("maxTurns mismatch: got %d, want 3", loaded.Agent.MaxTurns)
	}
	if loaded.Routing.Sources["telegram"] != "fast" {
		t.Errorf("routing mismatch: got %q, want %q", loaded.Routing.Sources["telegram"], "fast")
	}
}

func TestSave_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := DefaultConfig()
	if err := Save(&cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("expected permissions 0600, got %04o", perm)
	}
}

func TestRoute(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Routing.Default = "main"
	cfg.Routing.Sources = map[string]string{"telegram": "fast", "system": ""}

	tests := []struct {
		source string
		want   string
	}{
		{"telegram", "fast"},
		{"http", "main"},
		{"system", "main"}, // empty mapping falls through to default
		{"unknown", "main"},
	}
	for _, tt := range tests {
		if got := cfg.Route(tt.source); got != tt.want {
			t.Errorf("Route(%q) = %q, want %q", tt.source, got, tt.want)
		}
	}
}

func TestProfileFor(t *testing.T) {
	cfg := DefaultConfig()
	if p := cfg.ProfileFor("telegram"); p == nil || p.Model == "" {
		t.Fatalf("expected default profile for telegram, got %v", p)
	}
	cfg.Routing.Default = "missing"
	if p := cfg.ProfileFor("telegram"); p != nil {
		t.Errorf("expected nil profile for unknown route target, got %v", p)
	}
}

func TestEffectiveAllowRoots_DefaultsToWorkspace(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tools.AllowRoots = nil
	roots := cfg.EffectiveAllowRoots()
	if len(roots) != 1 || roots[0] != cfg.WorkspacePath() {
		t.Errorf("expected workspace-only roots, got %v", roots)
	}
}

func TestHandle_Reload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]any{
		"agent": map[string]any{"maxTurns": 4},
	})

	h, err := NewHandle(path)
	if err != nil {
		t.Fatalf("NewHandle failed: %v", err)
	}
	if got := h.Current().Agent.MaxTurns; got != 4 {
		t.Fatalf("expected maxTurns 4, got %d", got)
	}

	writeConfig(t, dir, map[string]any{
		"agent": map[string]any{"maxTurns": 9},
	})
	if err := h.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got := h.Current().Agent.MaxTurns; got != 9 {
		t.Errorf("expected maxTurns 9 after reload, got %d", got)
	}
}
