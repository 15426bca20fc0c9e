// Package schema contains the core contracts shared across duskpetrel
// packages. Concrete implementations live in their respective packages; this
// package is the single canonical source of truth for the message and
// provider types.
package schema

import "time"

// Role values used in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToWireMap renders the tool call in OpenAI function-calling wire format.
func (tc ToolCall) ToWireMap() map[string]any {
	args := "{}"
	if tc.Arguments != nil {
		args = marshalJSON(tc.Arguments)
	}
	return map[string]any{
		"id":   tc.ID,
		"type": "function",
		"function": map[string]any{
			"name":      tc.Name,
			"arguments": args,
		},
	}
}

// Message is one turn in a conversation. Content is either a string or a
// slice of content blocks (for vision input).
type Message struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"name,omitempty"`
	Timestamp  time.Time  `json:"timestamp,omitempty"`
}

// Text returns the message content as a plain string, or "" when the content
// is a block list.
func (m Message) Text() string {
	switch v := m.Content.(type) {
	case string:
		return v
	case *string:
		if v != nil {
			return *v
		}
	}
	return ""
}

// Messages is an ordered conversation.
type Messages struct {
	Messages []Message
}

// NewMessages constructs a conversation from the given turns.
func NewMessages(msgs ...Message) Messages {
	return Messages{Messages: msgs}
}

func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: time.Now()}
}

func NewUserMessage(content any) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now()}
}

func NewAssistantMessage(content *string, toolCalls []ToolCall) Message {
	var c any
	if content != nil {
		c = *content
	}
	return Message{Role: RoleAssistant, Content: c, ToolCalls: toolCalls, Timestamp: time.Now()}
}

// Add appends a message.
func (ms *Messages) Add(m Message) { ms.Messages = append(ms.Messages, m) }

// AddUser appends a user message.
func (ms *Messages) AddUser(content any) { ms.Add(NewUserMessage(content)) }

// AddAssistant appends an assistant message with optional tool calls.
func (ms *Messages) AddAssistant(content *string, toolCalls []ToolCall) {
	ms.Add(NewAssistantMessage(content, toolCalls))
}

// AddToolResult appends a tool-result message for the given call.
func (ms *Messages) AddToolResult(callID, name, result string) {
	ms.Add(Message{
		Role:       RoleTool,
		Content:    result,
		ToolCallID: callID,
		ToolName:   name,
		Timestamp:  time.Now(),
	})
}

// Append concatenates another conversation onto this one.
func (ms *Messages) Append(other Messages) {
	ms.Messages = append(ms.Messages, other.Messages...)
}

// Clone returns a shallow copy with an independent backing slice.
func (ms Messages) Clone() Messages {
	out := make([]Message, len(ms.Messages))
	copy(out, ms.Messages)
	return Messages{Messages: out}
}

// Len returns the number of turns.
func (ms Messages) Len() int { return len(ms.Messages) }
