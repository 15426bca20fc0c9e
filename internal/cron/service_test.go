package cron

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/duskpetrel/duskpetrel/internal/bus"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.json")
	return NewService(path), path
}

// startService starts the service in the background and returns a cancel func.
func startService(t *testing.T, s *Service) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Start(ctx) }()
	// Give Start a moment to arm timers.
	time.Sleep(20 * time.Millisecond)
	return cancel
}

func TestAddJob_Every(t *testing.T) {
	s, _ := newTestService(t)
	id, err := s.AddJob("tick", "hello", "every", 5000, "", "", 0, true, bus.SourceTelegram, "123", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty id")
	}
	jobs := s.ListAllJobs(false)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Schedule.Kind != "every" {
		t.Errorf("expected kind=every, got %q", jobs[0].Schedule.Kind)
	}
	if jobs[0].Schedule.EveryMs == nil || *jobs[0].Schedule.EveryMs != 5000 {
		t.Errorf("unexpected everyMs: %v", jobs[0].Schedule.EveryMs)
	}
	if jobs[0].Payload.Source != "telegram" || jobs[0].Payload.ChatID != "123" {
		t.Errorf("delivery routing not persisted: %+v", jobs[0].Payload)
	}
}

func TestAddJob_At(t *testing.T) {
	s, _ := newTestService(t)
	futureMs := time.Now().Add(time.Hour).UnixMilli()
	id, err := s.AddJob("once", "do it", "at", 0, "", "", futureMs, true, bus.SourceCLI, "direct", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	jobs := s.ListAllJobs(false)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].ID != id {
		t.Errorf("id mismatch: got %q", jobs[0].ID)
	}
	if !jobs[0].DeleteAfterRun {
		t.Error("expected deleteAfterRun=true")
	}
}

func TestAddJob_AtInPast(t *testing.T) {
	s, _ := newTestService(t)
	pastMs := time.Now().Add(-time.Hour).UnixMilli()
	if _, err := s.AddJob("late", "msg", "at", 0, "", "", pastMs, true, bus.SourceCLI, "", false); err == nil {
		t.Fatal("expected error for at-job in the past")
	}
}

func TestAddJob_InvalidCronExpr(t *testing.T) {
	s, _ := newTestService(t)
	if _, err := s.AddJob("bad", "msg", "cron", 0, "not a cron", "", 0, true, bus.SourceCLI, "", false); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestAddJob_UnknownKind(t *testing.T) {
	s, _ := newTestService(t)
	if _, err := s.AddJob("bad", "msg", "weekly", 0, "", "", 0, true, bus.SourceCLI, "", false); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestRemoveJob_Exists(t *testing.T) {
	s, _ := newTestService(t)
	id, _ := s.AddJob("job", "msg", "every", 1000, "", "", 0, true, bus.SourceCLI, "", false)
	if !s.RemoveJob(id) {
		t.Fatal("expected RemoveJob to return true")
	}
	if len(s.ListAllJobs(false)) != 0 {
		t.Error("expected empty job list after remove")
	}
}

func TestRemoveJob_NotFound(t *testing.T) {
	s, _ := newTestService(t)
	if s.RemoveJob("nonexistent") {
		t.Fatal("expected RemoveJob to return false for unknown id")
	}
}

func TestListJobs_OnlyEnabled(t *testing.T) {
	s, _ := newTestService(t)
	s.AddJob("a", "msg", "every", 1000, "", "", 0, true, bus.SourceCLI, "", false)
	id2, _ := s.AddJob("b", "msg", "every", 2000, "", "", 0, true, bus.SourceCLI, "", false)
	s.EnableJob(id2, false)

	summaries := s.ListJobs()
	if len(summaries) != 1 {
		t.Fatalf("expected 1 enabled job summary, got %d", len(summaries))
	}
	if summaries[0].Name != "a" {
		t.Errorf("unexpected job name: %q", summaries[0].Name)
	}
}

func TestEnableJob_ToggleDisableEnable(t *testing.T) {
	s, _ := newTestService(t)
	id, _ := s.AddJob("j", "msg", "every", 1000, "", "", 0, true, bus.SourceCLI, "", false)

	job, ok := s.EnableJob(id, false)
	if !ok {
		t.Fatal("EnableJob returned false")
	}
	if job.Enabled {
		t.Error("expected job to be disabled")
	}
	if job.State.NextRunAtMs != nil {
		t.Error("expected nil NextRunAtMs when disabled")
	}

	job, ok = s.EnableJob(id, true)
	if !ok {
		t.Fatal("EnableJob returned false on re-enable")
	}
	if !job.Enabled {
		t.Error("expected job to be enabled")
	}
}

func TestEnableJob_NotFound(t *testing.T) {
	s, _ := newTestService(t)
	if _, ok := s.EnableJob("ghost", true); ok {
		t.Fatal("expected ok=false for unknown id")
	}
}

func TestListAllJobs_IncludeDisabled(t *testing.T) {
	s, _ := newTestService(t)
	id, _ := s.AddJob("j", "msg", "every", 1000, "", "", 0, true, bus.SourceCLI, "", false)
	s.EnableJob(id, false)

	if n := len(s.ListAllJobs(true)); n != 1 {
		t.Fatalf("expected 1 job with includeDisabled=true, got %d", n)
	}
	if n := len(s.ListAllJobs(false)); n != 0 {
		t.Fatalf("expected 0 jobs with includeDisabled=false, got %d", n)
	}
}

func TestListAllJobs_SortedByNextRun(t *testing.T) {
	s, _ := newTestService(t)
	s.AddJob("slow", "msg", "every", 60000, "", "", 0, true, bus.SourceCLI, "", false)
	s.AddJob("fast", "msg", "every", 1000, "", "", 0, true, bus.SourceCLI, "", false)

	jobs := s.ListAllJobs(false)
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if *jobs[0].State.NextRunAtMs > *jobs[1].State.NextRunAtMs {
		t.Error("jobs not sorted by NextRunAtMs ascending")
	}
}

func TestPersistence_RoundTrip(t *testing.T) {
	s, path := newTestService(t)
	id, _ := s.AddJob("persist", "hello", "every", 5000, "", "", 0, true, bus.SourceTelegram, "42", false)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read jobs.json: %v", err)
	}
	var store jobStore
	if err := json.Unmarshal(data, &store); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(store.Jobs) != 1 {
		t.Fatalf("expected 1 persisted job, got %d", len(store.Jobs))
	}
	if store.Jobs[0].ID != id {
		t.Errorf("id mismatch in persisted file")
	}
}

func TestPersistence_LoadExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	existing := `{"version":1,"jobs":[{"id":"aabbccdd","name":"loaded","enabled":true,
		"schedule":{"kind":"every","everyMs":3000},"payload":{"kind":"agent_turn","message":"hi"},
		"state":{},"createdAtMs":1000,"updatedAtMs":1000,"deleteAfterRun":false}]}`
	os.WriteFile(path, []byte(existing), 0o644)

	s := NewService(path)
	jobs := s.ListAllJobs(false)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 loaded job, got %d", len(jobs))
	}
	if jobs[0].Name != "loaded" {
		t.Errorf("unexpected job name: %q", jobs[0].Name)
	}
}

func TestPersistence_MissingFile(t *testing.T) {
	s, _ := newTestService(t)
	if jobs := s.ListAllJobs(false); len(jobs) != 0 {
		t.Fatalf("expected 0 jobs from missing file, got %d", len(jobs))
	}
}

func TestComputeNextRun_Every(t *testing.T) {
	everyMs := int64(5000)
	now := int64(1_000_000)
	sched := Schedule{Kind: "every", EveryMs: &everyMs}
	result := computeNextRun(sched, now)
	if result == nil {
		t.Fatal("expected non-nil result")
	}
	if *result != now+everyMs {
		t.Errorf("expected %d, got %d", now+everyMs, *result)
	}
}

func TestComputeNextRun_At_Past(t *testing.T) {
	past := time.Now().Add(-time.Hour).UnixMilli()
	sched := Schedule{Kind: "at", AtMs: &past}
	if result := computeNextRun(sched, time.Now().UnixMilli()); result != nil {
		t.Errorf("expected nil for past at-job, got %d", *result)
	}
}

func TestComputeNextRun_Cron_UTC(t *testing.T) {
	expr := "0 12 * * *"
	tz := "UTC"
	sched := Schedule{Kind: "cron", Expr: &expr, TZ: &tz}
	result := computeNextRun(sched, time.Now().UnixMilli())
	if result == nil {
		t.Fatal("expected non-nil cron next run")
	}
	if *result <= time.Now().UnixMilli() {
		t.Error("next run should be in the future")
	}
}

func TestComputeNextRun_Every_ZeroInterval(t *testing.T) {
	everyMs := int64(0)
	sched := Schedule{Kind: "every", EveryMs: &everyMs}
	if result := computeNextRun(sched, time.Now().UnixMilli()); result != nil {
		t.Error("expected nil for zero interval")
	}
}

func TestExecuteJob_CallsOnJob(t *testing.T) {
	s, _ := newTestService(t)

	var called atomic.Int32
	s.SetOnJob(func(_ context.Context, job Job) (string, error) {
		called.Add(1)
		return "ok", nil
	})

	id, _ := s.AddJob("run", "msg", "every", 10000, "", "", 0, true, bus.SourceCLI, "", false)
	cancel := startService(t, s)
	defer cancel()

	if !s.RunJob(context.Background(), id, true) {
		t.Fatal("RunJob returned false")
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && called.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if called.Load() == 0 {
		t.Error("onJob was not called")
	}
}

func TestExecuteJob_UpdatesState(t *testing.T) {
	s, _ := newTestService(t)
	s.SetOnJob(func(_ context.Context, _ Job) (string, error) { return "done", nil })

	id, _ := s.AddJob("state", "msg", "every", 10000, "", "", 0, true, bus.SourceCLI, "", false)
	cancel := startService(t, s)
	defer cancel()

	s.RunJob(context.Background(), id, true)
	time.Sleep(50 * time.Millisecond)

	jobs := s.ListAllJobs(false)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].State.LastRunAtMs == nil {
		t.Error("expected LastRunAtMs to be set after execution")
	}
	if jobs[0].State.LastStatus == nil || *jobs[0].State.LastStatus != "ok" {
		t.Errorf("unexpected status: %v", jobs[0].State.LastStatus)
	}
}

func TestExecuteJob_AtDeleteAfterRun(t *testing.T) {
	s, _ := newTestService(t)
	s.SetOnJob(func(_ context.Context, _ Job) (string, error) { return "", nil })

	futureMs := time.Now().Add(time.Hour).UnixMilli()
	id, _ := s.AddJob("once", "msg", "at", 0, "", "", futureMs, true, bus.SourceCLI, "", true)
	cancel := startService(t, s)
	defer cancel()

	s.RunJob(context.Background(), id, true)
	time.Sleep(50 * time.Millisecond)

	if jobs := s.ListAllJobs(true); len(jobs) != 0 {
		t.Errorf("expected job deleted after run, got %d jobs", len(jobs))
	}
}

func TestRunJob_DisabledWithoutForce(t *testing.T) {
	s, _ := newTestService(t)
	id, _ := s.AddJob("j", "msg", "every", 10000, "", "", 0, true, bus.SourceCLI, "", false)
	s.EnableJob(id, false)
	cancel := startService(t, s)
	defer cancel()

	if s.RunJob(context.Background(), id, false) {
		t.Error("expected RunJob to return false for disabled job without force")
	}
}

func TestRunJob_NotFound(t *testing.T) {
	s, _ := newTestService(t)
	cancel := startService(t, s)
	defer cancel()

	if s.RunJob(context.Background(), "ghost", false) {
		t.Error("expected RunJob to return false for unknown id")
	}
}

func TestEveryJob_FiresAfterInterval(t *testing.T) {
	s, _ := newTestService(t)

	var count atomic.Int32
	s.SetOnJob(func(_ context.Context, _ Job) (string, error) {
		count.Add(1)
		return "", nil
	})

	s.AddJob("fast", "msg", "every", 50, "", "", 0, true, bus.SourceCLI, "", false)
	cancel := startService(t, s)
	defer cancel()

	time.Sleep(180 * time.Millisecond)
	if n := count.Load(); n < 2 {
		t.Errorf("expected at least 2 executions, got %d", n)
	}
}

func TestAtJob_FiresOnce(t *testing.T) {
	s, _ := newTestService(t)

	var count atomic.Int32
	s.SetOnJob(func(_ context.Context, _ Job) (string, error) {
		count.Add(1)
		return "", nil
	})

	atMs := time.Now().Add(50 * time.Millisecond).UnixMilli()
	s.AddJob("once", "msg", "at", 0, "", "", atMs, true, bus.SourceCLI, "", false)
	cancel := startService(t, s)
	defer cancel()

	time.Sleep(200 * time.Millisecond)
	if n := count.Load(); n != 1 {
		t.Errorf("expected exactly 1 execution for at-job, got %d", n)
	}
}
