package session

import (
	"sync"
	"time"

	"github.com/duskpetrel/duskpetrel/internal/schema"
)

// Session holds one correspondent's conversation state. All mutation goes
// through the Manager so that the snapshot and event log stay coherent.
type Session struct {
	Key             string
	Messages        schema.Messages
	TotalTokens     int64
	CompactionCount int
	// PendingWarning is the system notice queued for injection into the next
	// user message. Empty means no warning is pending.
	PendingWarning string
	CreatedAt      time.Time
	UpdatedAt      time.Time

	mu sync.Mutex
}

func newSession(key string) *Session {
	now := time.Now()
	return &Session{
		Key:       key,
		Messages:  schema.NewMessages(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// History returns a copy of the current message list.
func (s *Session) History() schema.Messages {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Messages.Clone()
}

// Len returns the number of messages in the session.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Messages.Len()
}

// Tokens returns the running token total.
func (s *Session) Tokens() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.TotalTokens
}

// Compactions returns how many times this session has been compacted.
func (s *Session) Compactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CompactionCount
}

// Warning returns the pending system warning, or "".
func (s *Session) Warning() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PendingWarning
}

// EstimateTokens approximates the token count of text when the provider did
// not report usage. Roughly four bytes per token; never zero for non-empty
// input so totals stay monotonic with added content.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	n := int64(len(text)) / 4
	if n == 0 {
		n = 1
	}
	return n
}

func estimateMessageTokens(m schema.Message) int64 {
	total := EstimateTokens(m.Text())
	for _, tc := range m.ToolCalls {
		total += EstimateTokens(tc.Name) + 16
	}
	return total
}
