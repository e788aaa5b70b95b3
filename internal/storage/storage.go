package storage

import (
	"chatgogo/pairing/internal/apperrors"
	"chatgogo/pairing/internal/models"
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ProfileStore is the profile directory.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
	ListOnline(ctx context.Context) ([]*models.Profile, error)
	SetOnline(ctx context.Context, userID string, online bool, at time.Time) error
	SaveProfile(ctx context.Context, profile *models.Profile) error
}

// SessionStore persists sessions. UpdateSessionStatus only moves an active
// session and reports whether it did, so a repeated end is a no-op.
type SessionStore interface {
	InsertSession(ctx context.Context, session *models.Session) error
	UpdateSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus, reason models.EndReason, endedAt time.Time, quality *models.ConnectionQuality) (bool, error)
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	FindActiveSessionByUser(ctx context.Context, userID string) (*models.Session, error)
	FindSessionByRoom(ctx context.Context, roomID string) (*models.Session, error)
	ListStaleSessions(ctx context.Context, olderThan time.Time) ([]*models.Session, error)
	TouchSession(ctx context.Context, sessionID string, at time.Time) error
}

// MessageStore holds session transcripts.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg *models.Message) error
	// ListMessages returns up to limit messages, oldest first.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
}

// ReportStore holds complaints.
type ReportStore interface {
	InsertReport(ctx context.Context, report *models.Report) error
	// CountReportersForUser counts the distinct users who reported userID since the given time.
	CountReportersForUser(ctx context.Context, userID string, since time.Time) (int, error)
}

// HistoryStore keeps the symmetric set of previous partners per user.
type HistoryStore interface {
	AddPair(ctx context.Context, userA, userB string) error
	ListPartners(ctx context.Context, userID string) ([]string, error)
	HasPartner(ctx context.Context, userID, partnerID string) (bool, error)
	ClearHistory(ctx context.Context, userID string) error
}

// ClaimStore marks which session a user currently owns.
// Claim is a check-and-set: it succeeds only when the user holds no claim.
// A claim taken with a ttl expires unless ConfirmClaim makes it permanent,
// so a session that is never inserted cannot hold a user forever.
type ClaimStore interface {
	Claim(ctx context.Context, userID, sessionID string, ttl time.Duration) (bool, error)
	// ConfirmClaim drops the expiry if sessionID still holds the claim.
	ConfirmClaim(ctx context.Context, userID, sessionID string) (bool, error)
	// ReleaseClaim removes the claim only if it is still held by sessionID.
	ReleaseClaim(ctx context.Context, userID, sessionID string) error
	// ClaimHolder returns the session holding userID's claim, or "".
	ClaimHolder(ctx context.Context, userID string) (string, error)
}

// BanStore keeps explicit bans set by the admin workflow.
type BanStore interface {
	// SetBan bans until the given time; the zero time bans permanently.
	SetBan(ctx context.Context, userID string, until time.Time) error
	ClearBan(ctx context.Context, userID string) error
	IsFlagged(ctx context.Context, userID string, now time.Time) (bool, error)
}

// Publisher fans messages out to other instances.
type Publisher interface {
	PublishMessage(ctx context.Context, env models.RelayEnvelope) error
}

// Storage is everything the engine needs from its backing store.
type Storage interface {
	ProfileStore
	SessionStore
	MessageStore
	ReportStore
	HistoryStore
	ClaimStore
	BanStore
}

// ErrDuplicateRoom is returned when a session is inserted with a room already in use.
var ErrDuplicateRoom = apperrors.New(apperrors.CodeValidation, "room id already in use")

// Service is the production store: PostgreSQL through GORM for durable
// records, Redis for history, claims, bans and pub/sub.
type Service struct {
	DB    *gorm.DB
	Redis *redis.Client
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, rdb *redis.Client) *Service {
	return &Service{
		DB:    db,
		Redis: rdb,
	}
}

// Migrate creates or updates the tables used by Service.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Profile{},
		&models.Session{},
		&models.Message{},
		&models.Report{},
	)
}

func notFoundOr(err error, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.Wrap(err, apperrors.CodeNotFound, op)
	}
	return apperrors.Store(err, op)
}

// GetProfile loads a profile by ID.
func (s *Service) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	var p models.Profile
	if err := s.DB.WithContext(ctx).Where("id = ?", userID).First(&p).Error; err != nil {
		return nil, notFoundOr(err, "get profile")
	}
	return &p, nil
}

// ListOnline returns every profile flagged online.
func (s *Service) ListOnline(ctx context.Context) ([]*models.Profile, error) {
	var profiles []*models.Profile
	if err := s.DB.WithContext(ctx).Where("online = ?", true).Order("id asc").Find(&profiles).Error; err != nil {
		return nil, apperrors.Store(err, "list online profiles")
	}
	return profiles, nil
}

// SetOnline updates the online flag and last-seen timestamp.
func (s *Service) SetOnline(ctx context.Context, userID string, online bool, at time.Time) error {
	result := s.DB.WithContext(ctx).Model(&models.Profile{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"online":    online,
			"last_seen": at,
		})
	if result.Error != nil {
		return apperrors.Store(result.Error, "set online")
	}
	if result.RowsAffected == 0 {
		return apperrors.Wrap(gorm.ErrRecordNotFound, apperrors.CodeNotFound, "set online")
	}
	return nil
}

// SaveProfile creates or replaces a profile.
func (s *Service) SaveProfile(ctx context.Context, profile *models.Profile) error {
	if err := s.DB.WithContext(ctx).Save(profile).Error; err != nil {
		return apperrors.Store(err, "save profile")
	}
	return nil
}

// InsertSession stores a new session.
func (s *Service) InsertSession(ctx context.Context, session *models.Session) error {
	if err := s.DB.WithContext(ctx).Create(session).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateRoom
		}
		return apperrors.Store(err, "insert session")
	}
	return nil
}

// UpdateSessionStatus moves an active session to a terminal status.
// The status guard in the WHERE clause makes concurrent ends stamp once.
func (s *Service) UpdateSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus, reason models.EndReason, endedAt time.Time, quality *models.ConnectionQuality) (bool, error) {
	updates := map[string]interface{}{
		"status":     status,
		"end_reason": reason,
		"ended_at":   endedAt,
	}
	if quality != nil {
		updates["quality"] = *quality
	}

	result := s.DB.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status = ?", sessionID, models.SessionActive).
		Updates(updates)
	if result.Error != nil {
		return false, apperrors.Store(result.Error, "update session status")
	}
	return result.RowsAffected > 0, nil
}

// GetSession loads a session by ID.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var session models.Session
	if err := s.DB.WithContext(ctx).Where("id = ?", sessionID).First(&session).Error; err != nil {
		return nil, notFoundOr(err, "get session")
	}
	return &session, nil
}

// FindActiveSessionByUser finds the active session userID takes part in.
func (s *Service) FindActiveSessionByUser(ctx context.Context, userID string) (*models.Session, error) {
	var session models.Session
	err := s.DB.WithContext(ctx).
		Where("status = ?", models.SessionActive).
		Where("user_a_id = ? OR user_b_id = ?", userID, userID).
		Order("created_at desc").
		First(&session).Error
	if err != nil {
		return nil, notFoundOr(err, "find active session")
	}
	return &session, nil
}

// FindSessionByRoom loads the session bound to roomID.
func (s *Service) FindSessionByRoom(ctx context.Context, roomID string) (*models.Session, error) {
	var session models.Session
	if err := s.DB.WithContext(ctx).Where("room_id = ?", roomID).First(&session).Error; err != nil {
		return nil, notFoundOr(err, "find session by room")
	}
	return &session, nil
}

// ListStaleSessions returns active sessions with no activity since olderThan.
func (s *Service) ListStaleSessions(ctx context.Context, olderThan time.Time) ([]*models.Session, error) {
	var sessions []*models.Session
	err := s.DB.WithContext(ctx).
		Where("status = ? AND last_activity_at < ?", models.SessionActive, olderThan).
		Find(&sessions).Error
	if err != nil {
		return nil, apperrors.Store(err, "list stale sessions")
	}
	return sessions, nil
}

// TouchSession records activity on an active session.
func (s *Service) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	err := s.DB.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status = ?", sessionID, models.SessionActive).
		Update("last_activity_at", at).Error
	if err != nil {
		return apperrors.Store(err, "touch session")
	}
	return nil
}

// InsertMessage appends a message to its session transcript.
func (s *Service) InsertMessage(ctx context.Context, msg *models.Message) error {
	if err := s.DB.WithContext(ctx).Create(msg).Error; err != nil {
		return apperrors.Store(err, "insert message")
	}
	return nil
}

// ListMessages loads a transcript sorted by timestamp.
func (s *Service) ListMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	var history []models.Message
	err := s.DB.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp asc").
		Limit(limit).
		Find(&history).Error
	if err != nil {
		return nil, apperrors.Store(err, "list messages")
	}
	return history, nil
}

// InsertReport stores a complaint.
func (s *Service) InsertReport(ctx context.Context, report *models.Report) error {
	if report.Status == "" {
		report.Status = models.ReportPending
	}
	if err := s.DB.WithContext(ctx).Create(report).Error; err != nil {
		return apperrors.Store(err, "insert report")
	}
	return nil
}

// CountReportersForUser counts the distinct reporters of userID since the given time.
func (s *Service) CountReportersForUser(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&models.Report{}).
		Where("reported_id = ? AND created_at >= ?", userID, since).
		Distinct("reporter_id").
		Count(&count).Error
	if err != nil {
		return 0, apperrors.Store(err, "count reports")
	}
	return int(count), nil
}
