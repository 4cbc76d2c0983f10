package chat

import (
	"strings"
	"time"
)

// Message is one entry in a conversation. A freshly sent message lives under
// a client-generated temporary identity until the server acknowledges it
// with a permanent one; exactly one of the two is authoritative at any
// instant.
type Message struct {
	ID                string     `json:"id"`
	ChatID            string     `json:"chat_id"`
	Role              string     `json:"role"`
	Content           string     `json:"content"`
	CreatedAt         time.Time  `json:"created_at"`
	Status            Status     `json:"status"`
	PreviousMessageID string     `json:"previous_message_id,omitempty"`
	Error             *ErrorInfo `json:"error,omitempty"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Status tracks a message through its streaming lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further content or status changes may apply.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// ErrorInfo is the user-facing failure attached to a message, tagged with a
// category so the UI can render an appropriate inline state.
type ErrorInfo struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

func NewUserMessage(chatID, content string) Message {
	return Message{
		ID:        NewTempID(),
		ChatID:    chatID,
		Role:      RoleUser,
		Content:   strings.TrimSpace(content),
		CreatedAt: time.Now(),
		Status:    StatusComplete,
	}
}

// NewAssistantPlaceholder creates the pending assistant message that renders
// while generation is in flight.
func NewAssistantPlaceholder(chatID string) Message {
	return Message{
		ID:        NewTempID(),
		ChatID:    chatID,
		Role:      RoleAssistant,
		CreatedAt: time.Now(),
		Status:    StatusPending,
	}
}

func (m Message) IsUser() bool      { return m.Role == RoleUser }
func (m Message) IsAssistant() bool { return m.Role == RoleAssistant }
func (m Message) IsSystem() bool    { return m.Role == RoleSystem }

// InFlight reports whether the message is still awaiting generation output.
func (m Message) InFlight() bool {
	return m.Status == StatusPending || m.Status == StatusStreaming
}
