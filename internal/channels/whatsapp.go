package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskpetrel/duskpetrel/internal/bus"
	"github.com/duskpetrel/duskpetrel/internal/config"
)

// WhatsAppChannel talks to an external bridge process over WebSocket. The
// bridge owns the WhatsApp session; this channel just relays JSON frames.
type WhatsAppChannel struct {
	Base
	cfg       config.WhatsAppConfig
	conn      *websocket.Conn
	connected bool
}

func NewWhatsAppChannel(cfg config.WhatsAppConfig, b *bus.MessageBus) *WhatsAppChannel {
	return &WhatsAppChannel{
		Base: NewBase(bus.SourceWhatsApp, b, cfg.AllowFrom),
		cfg:  cfg,
	}
}

func (w *WhatsAppChannel) Name() string { return string(bus.SourceWhatsApp) }

func (w *WhatsAppChannel) Start(ctx context.Context) error {
	bridgeURL := w.cfg.BridgeURL
	if bridgeURL == "" {
		bridgeURL = "ws://localhost:3001"
	}
	slog.Info("whatsapp connecting to bridge", "url", bridgeURL)

	for {
		if err := w.connectOnce(ctx, bridgeURL); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("whatsapp bridge connection lost, reconnecting in 5s", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func (w *WhatsAppChannel) connectOnce(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	w.conn = conn
	w.connected = true
	defer func() { conn.Close(); w.conn = nil; w.connected = false }()

	slog.Info("whatsapp bridge connected")

	if w.cfg.BridgeToken != "" {
		auth, _ := json.Marshal(map[string]string{"type": "auth", "token": w.cfg.BridgeToken})
		_ = conn.WriteMessage(websocket.TextMessage, auth)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		w.handleBridgeFrame(raw)
	}
}

func (w *WhatsAppChannel) handleBridgeFrame(raw []byte) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return
	}
	frameType, _ := data["type"].(string)
	switch frameType {
	case "message":
		pn, _ := data["pn"].(string)
		senderJID, _ := data["sender"].(string)
		text, _ := data["content"].(string)

		userID := pn
		if userID == "" {
			userID = senderJID
		}
		sender := userID
		if i := strings.IndexByte(userID, '@'); i >= 0 {
			sender = userID[:i]
		}

		chatID := senderJID
		if chatID == "" {
			chatID = userID
		}

		in := bus.NewInboundMessage(bus.SourceWhatsApp, sender, chatID, text)
		in.Metadata = map[string]any{
			"message_id": data["id"],
			"is_group":   data["isGroup"],
		}
		w.Publish(in)

	case "status":
		status, _ := data["status"].(string)
		slog.Info("whatsapp bridge status", "status", status)
		w.connected = status == "connected"

	case "qr":
		slog.Info("whatsapp login required, scan the QR code in the bridge terminal")

	case "error":
		slog.Error("whatsapp bridge error", "error", data["error"])
	}
}

// Disconnect closes the bridge socket. The read loop in connectOnce then
// returns and Start's reconnect wait observes the cancelled context.
func (w *WhatsAppChannel) Disconnect() error {
	if c := w.conn; c != nil {
		return c.Close()
	}
	return nil
}

func (w *WhatsAppChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if w.conn == nil || !w.connected {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	payload, _ := json.Marshal(map[string]string{
		"type": "send",
		"to":   msg.ChatID,
		"text": msg.Text,
	})
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}
