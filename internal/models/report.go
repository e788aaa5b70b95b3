package models

import "time"

// ReportStatus is managed by the external moderation workflow.
type ReportStatus string

const (
	ReportPending   ReportStatus = "pending"
	ReportReviewed  ReportStatus = "reviewed"
	ReportResolved  ReportStatus = "resolved"
	ReportDismissed ReportStatus = "dismissed"
)

// Report is a complaint filed by one user against another.
type Report struct {
	ID          string       `gorm:"primaryKey" json:"id"`
	SessionID   string       `gorm:"index" json:"session_id,omitempty"`
	ReporterID  string       `gorm:"not null;index" json:"reporter_id"`
	ReportedID  string       `gorm:"not null;index:idx_reported_created" json:"reported_id"`
	Reason      string       `gorm:"type:text;not null" json:"reason"`
	Description string       `gorm:"type:text" json:"description,omitempty"`
	Status      ReportStatus `gorm:"type:text;not null;default:'pending'" json:"status"`
	CreatedAt   time.Time    `gorm:"index:idx_reported_created" json:"created_at"`
}
