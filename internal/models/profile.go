package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq" // Needed for pq.StringArray
	"gorm.io/gorm"
)

// LocationScope describes how far away a user is willing to be paired.
type LocationScope string

const (
	LocationLocal   LocationScope = "local"
	LocationCountry LocationScope = "country"
	LocationGlobal  LocationScope = "global"
)

// Valid reports whether the scope is one of the known values.
func (s LocationScope) Valid() bool {
	switch s {
	case LocationLocal, LocationCountry, LocationGlobal:
		return true
	}
	return false
}

// AgeBrackets is the ordered list of age brackets. Two brackets are
// compatible when their indexes differ by at most one.
var AgeBrackets = []string{"13-17", "18-24", "25-34", "35-44", "45-54", "55+"}

// AgeBracketIndex returns the position of bracket in AgeBrackets, or -1.
func AgeBracketIndex(bracket string) int {
	for i, b := range AgeBrackets {
		if b == bracket {
			return i
		}
	}
	return -1
}

// Preferences is what a user asks for when searching for a partner.
// Empty fields mean "no preference".
type Preferences struct {
	AgeBracket      string        `json:"age_bracket,omitempty"`
	LocationScope   LocationScope `json:"location_scope,omitempty"`
	Language        string        `json:"language,omitempty"`
	Interests       []string      `json:"interests,omitempty"`
	ExcludeReported bool          `json:"exclude_reported,omitempty"`
}

// Value implements driver.Valuer so Preferences can be stored as a JSON column.
func (p Preferences) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner for Preferences.
func (p *Preferences) Scan(value interface{}) error {
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	case nil:
		*p = Preferences{}
		return nil
	default:
		return errors.New("preferences: type assertion to []byte failed")
	}
	return json.Unmarshal(b, p)
}

// Profile is a user's entry in the profile directory.
// It holds the compatibility attributes used by the matcher and the online flag.
type Profile struct {
	ID            string         `gorm:"primaryKey" json:"id"` // Anonymous UUID
	AgeBracket    string         `gorm:"type:text;index" json:"age_bracket"`
	LocationScope LocationScope  `gorm:"type:text" json:"location_scope"`
	Language      string         `gorm:"type:text;index" json:"language"`
	Interests     pq.StringArray `gorm:"type:text[]" json:"interests"`
	Online        bool           `gorm:"index" json:"online"`
	LastSeen      time.Time      `json:"last_seen"`
	Preferences   Preferences    `gorm:"type:jsonb" json:"preferences"`

	// TelegramChatID is set for users that reach the service through Telegram.
	TelegramChatID int64 `gorm:"index" json:"-"`
	// Locale selects the notification language.
	Locale string `gorm:"type:text" json:"locale,omitempty"`
}

// BeforeCreate is a GORM hook that generates a UUID for new profiles.
func (p *Profile) BeforeCreate(tx *gorm.DB) (err error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return
}

// Clone returns a deep copy so callers cannot mutate a shared profile.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.Interests = append(pq.StringArray(nil), p.Interests...)
	c.Preferences.Interests = append([]string(nil), p.Preferences.Interests...)
	return &c
}

// MatchScore is the transient result of scoring one candidate for a viewer.
type MatchScore struct {
	CandidateID string   `json:"candidate_id"`
	Score       int      `json:"score"`
	Reasons     []string `json:"reasons"`
}

// UserStats is a small summary shown to a searching user.
type UserStats struct {
	TotalMatches     int `json:"total_matches"`
	OnlineUsers      int `json:"online_users"`
	PotentialMatches int `json:"potential_matches"`
}
