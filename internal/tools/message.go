package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/duskpetrel/duskpetrel/internal/bus"
	"github.com/duskpetrel/duskpetrel/internal/schema"
)

// MessageTool sends a message to the user on a chat channel. Routing
// (source, chat_id, message_id) is read from the TurnContext stored in the
// context passed to Execute, so the tool carries no mutable per-turn state.
type MessageTool struct {
	bus *bus.MessageBus
}

// NewMessageTool creates a MessageTool backed by a MessageBus.
func NewMessageTool(b *bus.MessageBus) *MessageTool {
	return &MessageTool{bus: b}
}

func (t *MessageTool) Name() string               { return "message" }
func (t *MessageTool) Danger() schema.DangerClass { return schema.DangerHigh }
func (t *MessageTool) Description() string {
	return "Send a message to the user. Use this when you want to communicate something."
}
func (t *MessageTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {
				"type": "string",
				"description": "The message content to send"
			},
			"source": {
				"type": "string",
				"description": "Optional: target channel (telegram, slack, whatsapp)"
			},
			"chat_id": {
				"type": "string",
				"description": "Optional: target chat/user ID"
			},
			"media": {
				"type": "array",
				"items": {"type": "string"},
				"description": "Optional: list of file paths to attach (images, audio, documents)"
			}
		},
		"required": ["content"]
	}`)
}

func (t *MessageTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	content, _ := params["content"].(string)
	if content == "" {
		return "Error: content is required", nil
	}

	tc := TurnCtx(ctx)

	source := tc.Source
	if s, ok := params["source"].(string); ok && s != "" {
		source = bus.Source(s)
	}
	chatID := tc.ChatID
	if cid, ok := params["chat_id"].(string); ok && cid != "" {
		chatID = cid
	}

	if source == "" || chatID == "" {
		return "Error: No target channel/chat specified", nil
	}

	var media []string
	if m, ok := params["media"].([]any); ok {
		for _, item := range m {
			if s, ok := item.(string); ok {
				media = append(media, s)
			}
		}
	}

	metadata := map[string]any{}
	if tc.MsgID != "" {
		metadata["message_id"] = tc.MsgID
	}

	t.bus.Deliver(bus.OutboundMessage{
		Source:   source,
		ChatID:   chatID,
		Text:     content,
		Media:    media,
		Metadata: metadata,
	})

	if tc.MessageSent != nil {
		select {
		case <-tc.MessageSent:
		default:
			close(tc.MessageSent)
		}
	}

	info := ""
	if len(media) > 0 {
		info = fmt.Sprintf(" with %d attachments", len(media))
	}
	return fmt.Sprintf("Message sent to %s:%s%s", source, chatID, info), nil
}
