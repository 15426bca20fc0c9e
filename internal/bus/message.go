// Package bus defines the message types that flow between channels and the
// orchestrator, and the in-process bus that carries them.
package bus

import "time"

// Source identifies where an inbound message came from. The orchestrator
// routes providers and delivery by source, never by concrete channel type.
type Source string

const (
	SourceTelegram Source = "telegram"
	SourceSlack    Source = "slack"
	SourceWhatsApp Source = "whatsapp"
	SourceCLI      Source = "cli"
	SourceHTTP     Source = "http"
	SourceCron     Source = "cron"
	SourceSystem   Source = "system"
)

// AttachmentKind discriminates inline media.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentDocument AttachmentKind = "document"
)

// Attachment is one piece of inline media. Either Path (already downloaded)
// or Data is set; Filename is sanitised by the producing channel.
type Attachment struct {
	Kind     AttachmentKind
	Path     string
	Data     []byte
	Filename string
	MIME     string
}

// Reply is what the orchestrator hands back for http-sourced messages.
type Reply struct {
	Text string
	Err  error
}

// InboundMessage is one external message entering the orchestrator.
type InboundMessage struct {
	Sender      string         // stable sender id within the source
	Source      Source         // telegram, http, cli, system, ...
	ChatID      string         // chat / DM identifier for delivery
	Text        string         // message text
	Quote       string         // quoted text being replied to (untrusted)
	Attachments []Attachment
	Timestamp   time.Time
	Metadata    map[string]any // channel-specific extras (message_id, ...)

	// ResponseFuture, when non-nil, receives exactly one Reply instead of a
	// channel delivery. Used by the http source.
	ResponseFuture chan Reply
}

// NewInboundMessage creates an InboundMessage with Timestamp set to now.
func NewInboundMessage(source Source, sender, chatID, text string) InboundMessage {
	return InboundMessage{
		Source:    source,
		Sender:    sender,
		ChatID:    chatID,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// SessionKey returns the key used to look up the conversation session.
// Format: "source:chat_id".
func (m InboundMessage) SessionKey() string {
	return string(m.Source) + ":" + m.ChatID
}

// Preview returns a short snippet of the message text for logging.
func (m InboundMessage) Preview() string {
	if len(m.Text) > 80 {
		return m.Text[:80] + "..."
	}
	return m.Text
}

// OutboundMessage is a reply to be delivered through a channel.
type OutboundMessage struct {
	Source   Source
	ChatID   string
	Text     string
	ReplyTo  string         // original message id to quote (optional)
	Media    []string       // local file paths to attach (optional)
	Metadata map[string]any // channel-specific hints
}

// NewOutboundMessage creates an OutboundMessage.
func NewOutboundMessage(source Source, chatID, text string) OutboundMessage {
	return OutboundMessage{Source: source, ChatID: chatID, Text: text}
}
