package channels

import (
	"context"
	"log/slog"
	"sort"

	"github.com/duskpetrel/duskpetrel/internal/bus"
	"github.com/duskpetrel/duskpetrel/internal/config"
)

// Manager owns the enabled channels and routes outbound messages from the
// bus to the channel matching each message's source.
type Manager struct {
	channels map[bus.Source]Channel
	bus      *bus.MessageBus
}

// NewManager registers every enabled channel from the config. mediaDir is
// where channels store downloaded attachments.
func NewManager(cfg *config.Config, b *bus.MessageBus, mediaDir string) *Manager {
	m := &Manager{
		channels: make(map[bus.Source]Channel),
		bus:      b,
	}

	if cfg.Channels.Telegram.Enabled {
		m.channels[bus.SourceTelegram] = NewTelegramChannel(cfg.Channels.Telegram, b, mediaDir)
	}
	if cfg.Channels.Slack.Enabled {
		m.channels[bus.SourceSlack] = NewSlackChannel(cfg.Channels.Slack, b)
	}
	if cfg.Channels.WhatsApp.Enabled {
		m.channels[bus.SourceWhatsApp] = NewWhatsAppChannel(cfg.Channels.WhatsApp, b)
	}

	for src := range m.channels {
		slog.Info("channel enabled", "name", src)
	}
	return m
}

// Register adds a channel under its source, replacing any existing one.
// Used for the interactive CLI channel.
func (m *Manager) Register(src bus.Source, ch Channel) {
	m.channels[src] = ch
}

// EnabledChannels returns the sorted names of registered channels.
func (m *Manager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for src := range m.channels {
		names = append(names, string(src))
	}
	sort.Strings(names)
	return names
}

// StartAll starts every channel and the outbound dispatcher, blocking until
// ctx is cancelled.
func (m *Manager) StartAll(ctx context.Context) error {
	go m.dispatchOutbound(ctx)

	for src, ch := range m.channels {
		go func(src bus.Source, ch Channel) {
			slog.Info("starting channel", "name", src)
			if err := ch.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("channel exited", "name", src, "error", err)
			}
		}(src, ch)
	}

	<-ctx.Done()
	m.DisconnectAll()
	return ctx.Err()
}

// DisconnectAll tears down every registered channel's transport.
func (m *Manager) DisconnectAll() {
	for src, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			slog.Warn("channel disconnect failed", "name", src, "error", err)
		}
	}
}

// dispatchOutbound routes bus.Outbound messages to their channels.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-m.bus.Outbound:
			ch, ok := m.channels[msg.Source]
			if !ok {
				slog.Debug("no channel for outbound message", "source", msg.Source)
				continue
			}
			if err := ch.Send(ctx, msg); err != nil {
				slog.Error("outbound send failed", "source", msg.Source, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
