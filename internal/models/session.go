package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// SessionStatus is the state of a pairing session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionEnded     SessionStatus = "ended"
	SessionAbandoned SessionStatus = "abandoned"
)

// Terminal reports whether no transition can leave this status.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded || s == SessionAbandoned
}

// EndReason explains why a session stopped being active.
type EndReason string

const (
	EndUserEnded      EndReason = "user_ended"
	EndPartnerLeft    EndReason = "partner_left"
	EndTimeout        EndReason = "timeout"
	EndReported       EndReason = "reported"
	EndConnectionLost EndReason = "connection_lost"
)

// Valid reports whether the reason is one of the known values.
func (r EndReason) Valid() bool {
	switch r {
	case EndUserEnded, EndPartnerLeft, EndTimeout, EndReported, EndConnectionLost:
		return true
	}
	return false
}

// ConnectionQuality is optional metadata reported by clients when a session ends.
type ConnectionQuality struct {
	AvgLatencyMs int     `json:"avg_latency_ms,omitempty"`
	PacketLoss   float64 `json:"packet_loss,omitempty"`
	Rating       string  `json:"rating,omitempty"` // "good", "fair", "poor"
}

// Value implements driver.Valuer.
func (q ConnectionQuality) Value() (driver.Value, error) {
	return json.Marshal(q)
}

// Scan implements sql.Scanner.
func (q *ConnectionQuality) Scan(value interface{}) error {
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	case nil:
		*q = ConnectionQuality{}
		return nil
	default:
		return errors.New("connection quality: type assertion to []byte failed")
	}
	return json.Unmarshal(b, q)
}

// Session is a 1-on-1 pairing between two users.
// A user may take part in at most one active session at a time.
type Session struct {
	// ID is the unique identifier of the session (UUID).
	ID string `gorm:"primaryKey" json:"id"`
	// RoomID identifies the signaling room the two clients join.
	RoomID string `gorm:"uniqueIndex;not null" json:"room_id"`
	// UserAID and UserBID are the two participants. Order carries no rank.
	UserAID string `gorm:"not null;index" json:"user_a_id"`
	UserBID string `gorm:"not null;index" json:"user_b_id"`

	Status    SessionStatus `gorm:"type:text;not null;index" json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	// EndedAt stays nil while the session is active.
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason EndReason  `gorm:"type:text" json:"end_reason,omitempty"`

	// LastActivityAt is bumped by messages and heartbeats; the timeout sweep reads it.
	LastActivityAt time.Time `gorm:"index" json:"last_activity_at"`

	PrefsA  Preferences        `gorm:"type:jsonb" json:"prefs_a"`
	PrefsB  Preferences        `gorm:"type:jsonb" json:"prefs_b"`
	Quality *ConnectionQuality `gorm:"type:jsonb" json:"quality,omitempty"`
}

// HasParticipant reports whether userID is one of the two participants.
func (s *Session) HasParticipant(userID string) bool {
	return userID != "" && (s.UserAID == userID || s.UserBID == userID)
}

// PartnerOf returns the other participant, or "" if userID is not in the session.
func (s *Session) PartnerOf(userID string) string {
	switch userID {
	case s.UserAID:
		return s.UserBID
	case s.UserBID:
		return s.UserAID
	}
	return ""
}

// Participants returns both participant IDs.
func (s *Session) Participants() []string {
	return []string{s.UserAID, s.UserBID}
}
