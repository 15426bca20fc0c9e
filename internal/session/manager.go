// Package session manages durable per-sender conversation state.
//
// Each session is persisted twice: an append-only event log rotated per
// calendar day (`<key>.<YYYY-MM-DD>.events.jsonl`) and a snapshot
// (`<key>.state`) rewritten via temp-file + rename after every critical
// mutation. The snapshot is ground truth on reload; the log is audit.
//
// Order on every append: mutate → snapshot → event append. A crash between
// snapshot and log append loses only an audit line, never state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/duskpetrel/duskpetrel/internal/schema"
)

// Event kinds written to the daily log.
const (
	EventUser       = "user"
	EventAssistant  = "assistant"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventCompaction = "compaction"
	EventClose      = "close"
)

// Event is one line in a session's audit log.
type Event struct {
	Type    string         `json:"type"`
	TS      string         `json:"ts"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Hook runs on session lifecycle points (pre-compaction, close).
type Hook func(ctx context.Context, s *Session) error

// SummarizeFunc produces a compaction summary for the given message prefix.
type SummarizeFunc func(ctx context.Context, msgs schema.Messages) (string, error)

// ErrCorruptSnapshot marks an unparsable snapshot; the session load is
// rejected rather than silently reset.
var ErrCorruptSnapshot = errors.New("corrupt session snapshot")

// preCompactionTimeout bounds the pre-compaction hooks so consolidation
// cannot block interactive latency. Overrun logs and proceeds.
const preCompactionTimeout = 10 * time.Second

// Manager owns all sessions and their on-disk representation.
type Manager struct {
	sessionsDir string
	archiveDir  string

	mu       sync.Mutex
	sessions map[string]*Session

	preCompaction []Hook
	onClose       []Hook
}

// NewManager creates a Manager rooted at the state directory, creating the
// sessions and archive subdirectories if necessary.
func NewManager(stateDir string) (*Manager, error) {
	sessionsDir := filepath.Join(stateDir, "sessions")
	archiveDir := filepath.Join(stateDir, "archive")
	for _, dir := range []string{sessionsDir, archiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir %s: %w", dir, err)
		}
	}
	return &Manager{
		sessionsDir: sessionsDir,
		archiveDir:  archiveDir,
		sessions:    map[string]*Session{},
	}, nil
}

// OnPreCompaction registers a hook fired synchronously before compaction
// discards messages.
func (m *Manager) OnPreCompaction(h Hook) { m.preCompaction = append(m.preCompaction, h) }

// OnClose registers a hook fired when a session is closed.
func (m *Manager) OnClose(h Hook) { m.onClose = append(m.onClose, h) }

// GetOrCreate returns the session for key, loading its snapshot if present.
// A corrupt snapshot rejects the load with an operator-visible error.
func (m *Manager) GetOrCreate(key string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		return s, nil
	}

	s, err := m.loadSnapshot(key)
	if err != nil {
		return nil, err
	}
	if s == nil {
		s = newSession(key)
	}
	m.sessions[key] = s
	return s, nil
}

// AppendUser appends a user message. When clearWarning is set, the pending
// system warning is cleared in the same mutation (the caller has injected it
// into text), so the clear and the injection persist together.
func (m *Manager) AppendUser(s *Session, text string, clearWarning bool) error {
	s.mu.Lock()
	msg := schema.NewUserMessage(text)
	s.Messages.Add(msg)
	s.TotalTokens += EstimateTokens(text)
	if clearWarning {
		s.PendingWarning = ""
	}
	s.UpdatedAt = time.Now()
	s.mu.Unlock()

	return m.persist(s, Event{
		Type:    EventUser,
		Payload: map[string]any{"text": text},
	})
}

// AppendAssistant appends an assistant message. tokens is the provider's
// reported output usage; non-positive falls back to an estimate.
func (m *Manager) AppendAssistant(s *Session, content *string, toolCalls []schema.ToolCall, tokens int64) error {
	s.mu.Lock()
	msg := schema.NewAssistantMessage(content, toolCalls)
	s.Messages.Add(msg)
	if tokens <= 0 {
		tokens = estimateMessageTokens(msg)
	}
	s.TotalTokens += tokens
	s.UpdatedAt = time.Now()
	s.mu.Unlock()

	payload := map[string]any{}
	if content != nil {
		payload["text"] = *content
	}
	if len(toolCalls) > 0 {
		names := make([]string, 0, len(toolCalls))
		for _, tc := range toolCalls {
			names = append(names, tc.Name)
		}
		payload["tool_calls"] = names
	}
	return m.persist(s, Event{Type: EventAssistant, Payload: payload})
}

// AppendToolResult appends a tool-result message for the given call.
func (m *Manager) AppendToolResult(s *Session, callID, name, result string) error {
	s.mu.Lock()
	s.Messages.AddToolResult(callID, name, result)
	s.TotalTokens += EstimateTokens(result)
	s.UpdatedAt = time.Now()
	s.mu.Unlock()

	return m.persist(s, Event{
		Type:    EventToolResult,
		Payload: map[string]any{"tool": name, "call_id": callID, "result": result},
	})
}

// SetWarning sets the pending system warning and persists the snapshot
// before any work that might crash.
func (m *Manager) SetWarning(s *Session, text string) error {
	s.mu.Lock()
	s.PendingWarning = text
	s.UpdatedAt = time.Now()
	s.mu.Unlock()
	return m.writeSnapshot(s)
}

// Compact replaces the oldest message prefix with a single summary message.
// Pre-compaction hooks run first under a short deadline; overrun logs and
// proceeds. fraction is the share of total tokens the removed prefix must
// reach.
func (m *Manager) Compact(ctx context.Context, s *Session, fraction float64, summarize SummarizeFunc) error {
	hookCtx, cancel := context.WithTimeout(ctx, preCompactionTimeout)
	for _, h := range m.preCompaction {
		if err := h(hookCtx, s); err != nil {
			slog.Warn("pre-compaction hook failed, proceeding", "session", s.Key, "error", err)
		}
	}
	cancel()

	s.mu.Lock()
	msgs := s.Messages.Messages
	if len(msgs) < 2 {
		s.mu.Unlock()
		return nil
	}
	target := int64(float64(s.TotalTokens) * fraction)
	var cut int
	var removed int64
	for i, msg := range msgs {
		removed += estimateMessageTokens(msg)
		cut = i + 1
		if removed >= target {
			break
		}
	}
	// Always keep the most recent message.
	if cut >= len(msgs) {
		cut = len(msgs) - 1
	}
	prefix := schema.Messages{Messages: append([]schema.Message(nil), msgs[:cut]...)}
	s.mu.Unlock()

	if prefix.Len() == 0 {
		return nil
	}

	summary, err := summarize(ctx, prefix)
	if err != nil {
		return fmt.Errorf("compaction summary: %w", err)
	}
	summaryText := "[Earlier conversation summary]\n" + summary

	s.mu.Lock()
	var dropped int64
	for _, msg := range s.Messages.Messages[:cut] {
		dropped += estimateMessageTokens(msg)
	}
	tail := append([]schema.Message(nil), s.Messages.Messages[cut:]...)
	summaryMsg := schema.NewAssistantMessage(&summaryText, nil)
	s.Messages.Messages = append([]schema.Message{summaryMsg}, tail...)
	s.TotalTokens -= dropped
	s.TotalTokens += EstimateTokens(summaryText)
	if s.TotalTokens < 0 {
		s.TotalTokens = 0
	}
	s.CompactionCount++
	s.UpdatedAt = time.Now()
	count := s.CompactionCount
	s.mu.Unlock()

	return m.persist(s, Event{
		Type: EventCompaction,
		Payload: map[string]any{
			"removed_messages": cut,
			"removed_tokens":   dropped,
			"compaction_count": count,
		},
	})
}

// Close fires on-close hooks, archives the session's files, and drops it
// from the in-memory index.
func (m *Manager) Close(ctx context.Context, key string) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		loaded, err := m.loadSnapshot(key)
		if err != nil {
			return err
		}
		if loaded == nil {
			return nil
		}
		s = loaded
	}

	for _, h := range m.onClose {
		if err := h(ctx, s); err != nil {
			slog.Warn("on-close hook failed", "session", key, "error", err)
		}
	}

	if err := m.persist(s, Event{Type: EventClose}); err != nil {
		return err
	}
	if err := m.archive(key); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
	return nil
}

// SessionInfo describes one persisted session for listings.
type SessionInfo struct {
	Key             string `json:"key"`
	Messages        int    `json:"messages"`
	TotalTokens     int64  `json:"total_tokens"`
	CompactionCount int    `json:"compaction_count"`
	UpdatedAt       string `json:"updated_at"`
}

// List returns info for all sessions with a snapshot on disk.
func (m *Manager) List() []SessionInfo {
	entries, _ := filepath.Glob(filepath.Join(m.sessionsDir, "*.state"))
	var out []SessionInfo
	for _, path := range entries {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var snap snapshot
		if json.Unmarshal(data, &snap) != nil {
			continue
		}
		out = append(out, SessionInfo{
			Key:             snap.Key,
			Messages:        len(snap.Messages),
			TotalTokens:     snap.TotalTokens,
			CompactionCount: snap.CompactionCount,
			UpdatedAt:       snap.UpdatedAt,
		})
	}
	return out
}

// ---------------------------------------------------------------------------
// Persistence

// persist writes the snapshot, then appends the event. Snapshot first: a
// crash between the two leaves state consistent and loses only audit.
func (m *Manager) persist(s *Session, ev Event) error {
	if err := m.writeSnapshot(s); err != nil {
		return err
	}
	return m.appendEvent(s.Key, ev)
}

// snapshot is the on-disk state file representation.
type snapshot struct {
	Key             string        `json:"key"`
	CreatedAt       string        `json:"created_at"`
	UpdatedAt       string        `json:"updated_at"`
	TotalTokens     int64         `json:"total_tokens"`
	CompactionCount int           `json:"compaction_count"`
	PendingWarning  string        `json:"pending_system_warning,omitempty"`
	Messages        []wireMessage `json:"messages"`
}

func (m *Manager) writeSnapshot(s *Session) error {
	s.mu.Lock()
	snap := snapshot{
		Key:             s.Key,
		CreatedAt:       s.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       s.UpdatedAt.UTC().Format(time.RFC3339),
		TotalTokens:     s.TotalTokens,
		CompactionCount: s.CompactionCount,
		PendingWarning:  s.PendingWarning,
	}
	for _, msg := range s.Messages.Messages {
		snap.Messages = append(snap.Messages, messageToWire(msg))
	}
	s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", s.Key, err)
	}

	path := m.snapshotPath(s.Key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename snapshot %s: %w", path, err)
	}
	return nil
}

func (m *Manager) appendEvent(key string, ev Event) error {
	ev.TS = time.Now().UTC().Format(time.RFC3339Nano)
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	path := m.eventLogPath(key, time.Now())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open event log %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event %s: %w", path, err)
	}
	return nil
}

func (m *Manager) loadSnapshot(key string) (*Session, error) {
	path := m.snapshotPath(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, path, err)
	}

	s := newSession(key)
	s.TotalTokens = snap.TotalTokens
	s.CompactionCount = snap.CompactionCount
	s.PendingWarning = snap.PendingWarning
	if t, err := time.Parse(time.RFC3339, snap.CreatedAt); err == nil {
		s.CreatedAt = t
	}
	for _, w := range snap.Messages {
		s.Messages.Add(wireToMessage(w))
	}
	return s, nil
}

// archive moves the session's snapshot and event logs into the archive dir.
func (m *Manager) archive(key string) error {
	safe := safeFilename(strings.ReplaceAll(key, ":", "_"))
	stamp := time.Now().UTC().Format("20060102T150405")

	patterns := []string{
		m.snapshotPath(key),
	}
	logs, _ := filepath.Glob(filepath.Join(m.sessionsDir, safe+".*.events.jsonl"))
	patterns = append(patterns, logs...)

	for _, src := range patterns {
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(m.archiveDir, stamp+"."+filepath.Base(src))
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("archive %s: %w", src, err)
		}
	}
	return nil
}

func (m *Manager) snapshotPath(key string) string {
	safe := safeFilename(strings.ReplaceAll(key, ":", "_"))
	return filepath.Join(m.sessionsDir, safe+".state")
}

func (m *Manager) eventLogPath(key string, day time.Time) string {
	safe := safeFilename(strings.ReplaceAll(key, ":", "_"))
	return filepath.Join(m.sessionsDir, safe+"."+day.UTC().Format("2006-01-02")+".events.jsonl")
}

// safeFilename replaces filesystem-unsafe characters with underscores.
func safeFilename(name string) string {
	const unsafe = `<>:"/\|?*`
	var b strings.Builder
	for _, r := range name {
		if strings.ContainsRune(unsafe, r) {
			b.WriteByte('_')
		} else {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// ---------------------------------------------------------------------------
// Wire format

// wireMessage is the on-disk JSON representation of a message.
type wireMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"`
	ToolCalls  []map[string]any `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
	Timestamp  string           `json:"timestamp"`
}

func messageToWire(msg schema.Message) wireMessage {
	w := wireMessage{
		Role:       msg.Role,
		ToolCallID: msg.ToolCallID,
		Name:       msg.ToolName,
		Timestamp:  msg.Timestamp.UTC().Format(time.RFC3339),
	}

	switch v := msg.Content.(type) {
	case string:
		w.Content = v
	case *string:
		if v != nil {
			w.Content = *v
		}
	default:
		w.Content = msg.Content
	}

	for _, tc := range msg.ToolCalls {
		w.ToolCalls = append(w.ToolCalls, tc.ToWireMap())
	}
	return w
}

func wireToMessage(w wireMessage) schema.Message {
	msg := schema.Message{
		Role:       w.Role,
		Content:    w.Content,
		ToolCallID: w.ToolCallID,
		ToolName:   w.Name,
	}
	if msg.Content == nil {
		msg.Content = ""
	}
	if t, err := time.Parse(time.RFC3339, w.Timestamp); err == nil {
		msg.Timestamp = t
	}

	for _, tcm := range w.ToolCalls {
		fn, _ := tcm["function"].(map[string]any)
		id, _ := tcm["id"].(string)
		name, _ := fn["name"].(string)
		argsStr, _ := fn["arguments"].(string)
		var args map[string]any
		_ = json.Unmarshal([]byte(argsStr), &args)
		msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{ID: id, Name: name, Arguments: args})
	}
	return msg
}
