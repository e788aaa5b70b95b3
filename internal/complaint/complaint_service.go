// Package complaint provides the core logic for handling user reports,
// including the ban policy consulted by matching and session claims.
package complaint

import (
	"chatgogo/pairing/internal/analysis"
	"chatgogo/pairing/internal/apperrors"
	"chatgogo/pairing/internal/config"
	"chatgogo/pairing/internal/logger"
	"chatgogo/pairing/internal/models"
	"chatgogo/pairing/internal/storage"
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxDescriptionLength = 1000

// Service handles reports and answers ban queries.
type Service struct {
	Reports storage.ReportStore
	Bans    storage.BanStore
	Policy  config.Moderation
	Now     func() time.Time
}

// NewService creates a new complaint service.
func NewService(reports storage.ReportStore, bans storage.BanStore, policy config.Moderation) *Service {
	return &Service{
		Reports: reports,
		Bans:    bans,
		Policy:  policy,
		Now:     time.Now,
	}
}

// ReportUser records a report against reportedID. sessionID and description are optional.
func (s *Service) ReportUser(ctx context.Context, reporterID, reportedID, reason, description, sessionID string) (*models.Report, error) {
	if reporterID == "" || reportedID == "" {
		return nil, apperrors.Validation("reporter and reported user are required")
	}
	if reporterID == reportedID {
		return nil, apperrors.Validation("users cannot report themselves")
	}
	if !analysis.IsKnownReason(reason) {
		return nil, apperrors.Validation("unknown report reason %q", reason)
	}
	description = strings.TrimSpace(description)
	if len(description) > maxDescriptionLength {
		return nil, apperrors.Validation("description longer than %d characters", maxDescriptionLength)
	}

	report := &models.Report{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		ReporterID:  reporterID,
		ReportedID:  reportedID,
		Reason:      analysis.NormalizeReason(reason),
		Description: description,
		Status:      models.ReportPending,
		CreatedAt:   s.Now(),
	}
	if err := s.Reports.InsertReport(ctx, report); err != nil {
		logger.Error("Failed to save report", "reported_id", reportedID, "error", err)
		return nil, err
	}

	logger.Info("Report filed",
		"report_id", report.ID,
		"reported_id", reportedID,
		"reason", report.Reason,
		"severity", analysis.GetSeverity(report.Reason),
	)
	return report, nil
}

// IsBanned applies the ban policy: an explicit ban flag, or reports from at
// least BanReportThreshold distinct users within the trailing BanWindow.
func (s *Service) IsBanned(ctx context.Context, userID string) (bool, error) {
	now := s.Now()

	flagged, err := s.Bans.IsFlagged(ctx, userID, now)
	if err != nil {
		return false, err
	}
	if flagged {
		return true, nil
	}

	count, err := s.Reports.CountReportersForUser(ctx, userID, now.Add(-s.Policy.BanWindow))
	if err != nil {
		return false, err
	}
	return count >= s.Policy.BanReportThreshold, nil
}

// Ban sets an explicit ban. A zero duration bans permanently.
func (s *Service) Ban(ctx context.Context, userID string, duration time.Duration) error {
	if userID == "" {
		return apperrors.Validation("user id is required")
	}
	var until time.Time
	if duration > 0 {
		until = s.Now().Add(duration)
	}
	if err := s.Bans.SetBan(ctx, userID, until); err != nil {
		return err
	}
	logger.Info("User banned", "user_id", userID, "until", until)
	return nil
}

// Unban lifts an explicit ban. Report-based bans lapse with the window.
func (s *Service) Unban(ctx context.Context, userID string) error {
	if err := s.Bans.ClearBan(ctx, userID); err != nil {
		return err
	}
	logger.Info("User unbanned", "user_id", userID)
	return nil
}
