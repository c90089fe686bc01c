package model

import "time"

type EventType string

const (
	EventUserMessage EventType = "user_message"
	EventPlaceholder EventType = "placeholder"
	EventStreaming   EventType = "streaming"
	EventPart        EventType = "part"
	EventWarning     EventType = "warning"
	EventCompleted   EventType = "completed"
	EventCancelled   EventType = "cancelled"
	EventFailed      EventType = "failed"
)

// StreamEvent is published to the UI while a generation runs.
type StreamEvent struct {
	Type      EventType    `json:"type"`
	SessionID string       `json:"session_id"`
	MessageID string       `json:"message_id,omitempty"`
	Part      *ContentPart `json:"part,omitempty"`
	Message   *Message     `json:"message,omitempty"`
	Error     string       `json:"error,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

type SessionResponse struct {
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

type StatusResponse struct {
	Loading            bool   `json:"loading"`
	State              string `json:"state"`
	ActiveSessionID    string `json:"active_session_id"`
	StreamingSessionID string `json:"streaming_session_id,omitempty"`
	PersistenceWarning string `json:"persistence_warning,omitempty"`
}
