package model

import (
	"time"

	"github.com/google/uuid"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents one entry of a conversation.
//
// Content only grows while IsStreaming is true. Once the stream settles the
// message is frozen.
type Message struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
	IsStreaming bool      `json:"is_streaming"`
}

// NewMessage creates a message stamped with a fresh ID and the given time.
func NewMessage(role Role, content string, at time.Time) Message {
	return Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      role,
		Content:   content,
		CreatedAt: at,
	}
}

// HistoryEntry is the role/content pair sent to the backend as prior turns.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
