// Package heartbeat periodically prompts the agent with the contents of
// workspace/HEARTBEAT.md, giving it a self-driven check-in for standing
// tasks. Ticks where the file is missing or holds no actionable content
// are skipped without an agent turn.
package heartbeat

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// OnHeartbeatFunc runs one agent turn with the HEARTBEAT.md content.
type OnHeartbeatFunc func(ctx context.Context, content string) error

// Service runs the periodic HEARTBEAT.md check.
type Service struct {
	workspace   string
	onHeartbeat OnHeartbeatFunc
	interval    time.Duration
}

// NewService creates a heartbeat service. interval defaults to 30 minutes
// when zero.
func NewService(workspace string, onHeartbeat OnHeartbeatFunc, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Service{
		workspace:   workspace,
		onHeartbeat: onHeartbeat,
		interval:    interval,
	}
}

// Start runs the heartbeat loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("heartbeat started", "interval", s.interval)

	for {
		select {
		case <-ticker.C:
			s.check(ctx)
		case <-ctx.Done():
			slog.Info("heartbeat stopped")
			return ctx.Err()
		}
	}
}

func (s *Service) check(ctx context.Context) {
	path := filepath.Join(s.workspace, "HEARTBEAT.md")
	data, err := os.ReadFile(path)
	if err != nil {
		// Missing file means no heartbeat configured.
		return
	}

	content := string(data)
	if !hasActiveTasks(content) {
		return
	}

	slog.Info("heartbeat has active tasks, running agent turn")
	if s.onHeartbeat != nil {
		if err := s.onHeartbeat(ctx, content); err != nil {
			slog.Error("heartbeat turn failed", "error", err)
		}
	}
}

// hasActiveTasks reports whether HEARTBEAT.md contains anything beyond
// headings, HTML comments, and untouched "- [ ]" template placeholders.
func hasActiveTasks(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "<!--") {
			continue
		}
		if strings.HasPrefix(trimmed, "- [ ]") {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		return true
	}
	return false
}
