package model

import (
	"time"
)

// FrameEvent is the discriminator of a stream frame payload.
type FrameEvent string

const (
	FrameStart FrameEvent = "start"
	FrameChunk FrameEvent = "chunk"
	FrameDone  FrameEvent = "done"
	FrameError FrameEvent = "error"
)

// StreamFrame is the JSON payload carried by one `data:` line of the query stream.
type StreamFrame struct {
	Event   FrameEvent `json:"event"`
	Data    string     `json:"data,omitempty"`
	Partial bool       `json:"partial,omitempty"`
}

// EventType represents the type of conversation outcome event.
type EventType string

const (
	EventTypeError     EventType = "error"
	EventTypeCancel    EventType = "cancel"
	EventTypeRateLimit EventType = "rate_limit"
	EventTypeTimeout   EventType = "timeout"
)

// ConversationEvent records a non-successful stream outcome for auditing.
type ConversationEvent struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Type           EventType      `json:"type"`
	Reason         string         `json:"reason"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Sequence       uint64         `json:"sequence,omitempty"`
}
