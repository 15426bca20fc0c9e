// Package channels connects chat platforms to the message bus. Each channel
// turns platform events into InboundMessages and delivers OutboundMessages
// addressed to its source.
package channels

import (
	"context"
	"log/slog"
	"strings"

	"github.com/duskpetrel/duskpetrel/internal/bus"
)

// Channel is one connected chat platform.
type Channel interface {
	Name() string
	// Start runs the channel's receive loop until ctx is cancelled.
	Start(ctx context.Context) error
	// Send delivers one outbound message.
	Send(ctx context.Context, msg bus.OutboundMessage) error
	// Disconnect tears down the channel's transport. Called by the manager
	// on shutdown; must be safe when the channel never started.
	Disconnect() error
}

// Base holds the state every channel shares: its source tag, the bus, and
// the sender allowlist.
type Base struct {
	source    bus.Source
	bus       *bus.MessageBus
	allowFrom []string // empty = allow all
}

// NewBase creates a Base for the given source.
func NewBase(source bus.Source, b *bus.MessageBus, allowFrom []string) Base {
	return Base{source: source, bus: b, allowFrom: allowFrom}
}

// IsAllowed checks the sender against the allowlist. Telegram senders arrive
// as "id|username"; either part may match.
func (b *Base) IsAllowed(sender string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	for _, allowed := range b.allowFrom {
		if allowed == sender {
			return true
		}
	}
	if strings.Contains(sender, "|") {
		for _, part := range strings.Split(sender, "|") {
			if part == "" {
				continue
			}
			for _, allowed := range b.allowFrom {
				if allowed == part {
					return true
				}
			}
		}
	}
	return false
}

// Publish checks the allowlist and pushes the message onto the bus.
func (b *Base) Publish(msg bus.InboundMessage) {
	if !b.IsAllowed(msg.Sender) {
		slog.Warn("sender not on allowlist", "source", b.source, "sender", msg.Sender)
		return
	}
	msg.Source = b.source
	b.bus.Publish(msg)
}

// splitMessage splits text into chunks of at most maxLen bytes, preferring
// newline breaks, then spaces, then a hard cut.
func splitMessage(content string, maxLen int) []string {
	if len(content) <= maxLen {
		return []string{content}
	}
	var chunks []string
	for len(content) > 0 {
		if len(content) <= maxLen {
			chunks = append(chunks, content)
			break
		}
		cut := content[:maxLen]
		pos := strings.LastIndex(cut, "\n")
		if pos <= 0 {
			pos = strings.LastIndex(cut, " ")
		}
		if pos <= 0 {
			pos = maxLen
		}
		chunks = append(chunks, content[:pos])
		content = strings.TrimLeft(content[pos:], " \t\n")
	}
	return chunks
}
