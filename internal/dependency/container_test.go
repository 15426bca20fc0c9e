package dependency

import (
	"path/filepath"
	"testing"

	"github.com/duskpetrel/duskpetrel/internal/config"
	"github.com/duskpetrel/duskpetrel/internal/schema"
)

func testPaths(t *testing.T) Paths {
	t.Helper()
	dir := t.TempDir()
	return Paths{
		Root:      dir,
		State:     filepath.Join(dir, "state"),
		MemoryDB:  filepath.Join(dir, "memory", "memory.db"),
		CostDB:    filepath.Join(dir, "memory", "cost.db"),
		CronStore: filepath.Join(dir, "cron", "jobs.json"),
		Media:     filepath.Join(dir, "media"),
	}
}

func newTestHandle(t *testing.T) *config.Handle {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Agent.Workspace = t.TempDir()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := config.Save(&cfg, path); err != nil {
		t.Fatalf("save config: %v", err)
	}
	handle, err := config.NewHandle(path)
	if err != nil {
		t.Fatalf("config handle: %v", err)
	}
	return handle
}

func TestNewWiresEverything(t *testing.T) {
	c, err := New(newTestHandle(t), testPaths(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if c.Bus() == nil || c.Sessions() == nil || c.Orchestrator() == nil ||
		c.Subagents() == nil || c.Channels() == nil || c.Cron() == nil ||
		c.Heartbeat() == nil || c.Gateway() == nil || c.Registry() == nil {
		t.Fatal("container has unwired services")
	}
	if c.Memory() == nil {
		t.Error("memory store did not open")
	}
	if c.Costs() == nil {
		t.Error("cost store did not open")
	}
}

func TestRegistryIncludesCoreTools(t *testing.T) {
	c, err := New(newTestHandle(t), testPaths(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	names := map[string]bool{}
	for _, n := range c.Registry().Names() {
		names[n] = true
	}
	for _, want := range []string{"read_file", "write_file", "exec", "message", "spawn", "cron", "memory_write"} {
		if !names[want] {
			t.Errorf("registry missing %q (have %v)", want, c.Registry().Names())
		}
	}
}

func TestToolEnableListFilters(t *testing.T) {
	handle := newTestHandle(t)
	cfg := handle.Current()
	cfg.Tools.Enabled = []string{"read_file", "list_dir"}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := config.Save(cfg, path); err != nil {
		t.Fatalf("save config: %v", err)
	}
	filtered, err := config.NewHandle(path)
	if err != nil {
		t.Fatalf("config handle: %v", err)
	}

	c, err := New(filtered, testPaths(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	names := c.Registry().Names()
	if len(names) != 2 {
		t.Errorf("enable list not applied: %v", names)
	}
	if c.Registry().Get("spawn") != nil {
		t.Error("spawn present despite enable list")
	}
}

func TestTranscript(t *testing.T) {
	msgs := schema.NewMessages(schema.NewUserMessage("hello"))
	reply := "hi there"
	msgs.Add(schema.NewAssistantMessage(&reply, nil))

	got := transcript(msgs)
	want := "user: hello\nassistant: hi there"
	if got != want {
		t.Errorf("transcript = %q, want %q", got, want)
	}
}
