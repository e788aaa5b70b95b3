package models

import "time"

// MessageType indicates the kind of message.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageEmoji  MessageType = "emoji"
	MessageSystem MessageType = "system"
)

// Valid reports whether the type is one of the known values.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageEmoji, MessageSystem:
		return true
	}
	return false
}

// SystemSenderID is used as the sender of messages produced by the engine itself.
const SystemSenderID = "system"

// Message is one entry in a session transcript.
type Message struct {
	ID        string      `gorm:"primaryKey" json:"id"`
	SessionID string      `gorm:"not null;index:idx_session_msg" json:"session_id"`
	SenderID  string      `gorm:"not null" json:"sender_id"`
	Content   string      `gorm:"type:text;not null" json:"content"`
	Type      MessageType `gorm:"type:text;not null" json:"type"`
	Timestamp time.Time   `gorm:"index:idx_session_msg" json:"timestamp"`
}

// RelayEnvelope wraps a message published to other instances.
// Origin lets the publishing instance ignore its own echo. Closing marks the
// final announcement of an ended session.
type RelayEnvelope struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
	Closing bool    `json:"closing,omitempty"`
}
