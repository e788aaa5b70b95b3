package chathub

import (
	"chatgogo/pairing/internal/apperrors"
	"chatgogo/pairing/internal/config"
	"chatgogo/pairing/internal/logger"
	"chatgogo/pairing/internal/models"
	"chatgogo/pairing/internal/storage"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EndHook is called once for every session that leaves the active state.
type EndHook func(session *models.Session)

// ManagerService owns the session lifecycle: claiming users, ending
// sessions and sweeping the ones nobody talks in anymore.
type ManagerService struct {
	Sessions storage.SessionStore
	Claims   storage.ClaimStore
	Bans     BanChecker
	Config   config.Session
	Now      func() time.Time

	hookMu sync.RWMutex
	onEnd  EndHook
}

// NewManagerService creates a session manager.
func NewManagerService(sessions storage.SessionStore, claims storage.ClaimStore, bans BanChecker, cfg config.Session) *ManagerService {
	return &ManagerService{
		Sessions: sessions,
		Claims:   claims,
		Bans:     bans,
		Config:   cfg,
		Now:      time.Now,
	}
}

// SetEndHook registers the callback run after a session ends or is abandoned.
func (m *ManagerService) SetEndHook(hook EndHook) {
	m.hookMu.Lock()
	m.onEnd = hook
	m.hookMu.Unlock()
}

func (m *ManagerService) fireEnd(session *models.Session) {
	m.hookMu.RLock()
	hook := m.onEnd
	m.hookMu.RUnlock()
	if hook != nil {
		hook(session)
	}
}

// CreateSession claims both users and persists a new active session.
// It fails with ErrUserBanned if either user is banned and with
// ErrAlreadyInSession if either user already owns a session.
func (m *ManagerService) CreateSession(ctx context.Context, roomID, userA, userB string, prefsA, prefsB models.Preferences) (*models.Session, error) {
	if userA == "" || userB == "" {
		return nil, apperrors.Validation("both participants are required")
	}
	if userA == userB {
		return nil, apperrors.Validation("a user cannot be paired with themselves")
	}

	for _, id := range []string{userA, userB} {
		banned, err := m.Bans.IsBanned(ctx, id)
		if err != nil {
			return nil, err
		}
		if banned {
			logger.Warn("Banned user tried to claim a session", "user_id", id)
			return nil, apperrors.New(apperrors.CodeUserBanned, "user "+id+" is banned")
		}
	}

	if roomID == "" {
		roomID = uuid.New().String()
	}
	now := m.Now()
	session := &models.Session{
		ID:             uuid.New().String(),
		RoomID:         roomID,
		UserAID:        userA,
		UserBID:        userB,
		Status:         models.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
		PrefsA:         prefsA,
		PrefsB:         prefsB,
	}

	// Cleanup must run even when the caller's context is already done.
	bg := context.WithoutCancel(ctx)

	if err := m.claim(ctx, userA, session.ID); err != nil {
		return nil, err
	}
	if err := m.claim(ctx, userB, session.ID); err != nil {
		m.release(bg, userA, session.ID)
		return nil, err
	}

	if err := m.Sessions.InsertSession(ctx, session); err != nil {
		m.release(bg, userA, session.ID)
		m.release(bg, userB, session.ID)
		return nil, err
	}

	for _, id := range session.Participants() {
		ok, err := m.Claims.ConfirmClaim(bg, id, session.ID)
		if err == nil && !ok {
			err = apperrors.New(apperrors.CodeAlreadyInSession, "claim on user "+id+" expired before the session was stored")
		}
		if err != nil {
			logger.Error("Failed to confirm claim, abandoning session", "session_id", session.ID, "user_id", id, "error", err)
			if _, ferr := m.finish(bg, session.ID, models.SessionAbandoned, models.EndConnectionLost, nil); ferr != nil {
				logger.Error("Failed to abandon unconfirmed session", "session_id", session.ID, "error", ferr)
			}
			return nil, err
		}
	}

	logger.Info("Session created", "session_id", session.ID, "room_id", roomID, "user_a", userA, "user_b", userB)
	return session, nil
}

// claim takes a pending claim on userID for sessionID. A claim still held by
// a session that has already ended is taken over once.
func (m *ManagerService) claim(ctx context.Context, userID, sessionID string) error {
	ok, err := m.Claims.Claim(ctx, userID, sessionID, m.Config.ClaimPendingTTL)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	holder, err := m.Claims.ClaimHolder(ctx, userID)
	if err != nil {
		return err
	}
	if holder != "" {
		held, err := m.Sessions.GetSession(ctx, holder)
		if err != nil {
			// Not inserted yet: a concurrent CreateSession owns it.
			if errors.Is(err, apperrors.ErrNotFound) {
				return apperrors.New(apperrors.CodeAlreadyInSession, "user "+userID+" is being claimed")
			}
			return err
		}
		if held.Status == models.SessionActive {
			return apperrors.New(apperrors.CodeAlreadyInSession, "user "+userID+" already in session")
		}
		logger.Warn("Reclaiming stale claim", "user_id", userID, "stale_session_id", holder)
		if err := m.Claims.ReleaseClaim(ctx, userID, holder); err != nil {
			return err
		}
	}

	ok, err = m.Claims.Claim(ctx, userID, sessionID, m.Config.ClaimPendingTTL)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.New(apperrors.CodeAlreadyInSession, "user "+userID+" already in session")
	}
	return nil
}

func (m *ManagerService) release(ctx context.Context, userID, sessionID string) {
	if err := m.Claims.ReleaseClaim(ctx, userID, sessionID); err != nil {
		logger.Error("Failed to release claim", "user_id", userID, "session_id", sessionID, "error", err)
	}
}

// EndSession moves an active session to ended. Calling it on a session
// that is already terminal does nothing and returns nil.
func (m *ManagerService) EndSession(ctx context.Context, sessionID string, reason models.EndReason, quality *models.ConnectionQuality) error {
	if reason == "" {
		reason = models.EndUserEnded
	}
	if !reason.Valid() {
		return apperrors.Validation("unknown end reason %q", reason)
	}
	_, err := m.finish(ctx, sessionID, models.SessionEnded, reason, quality)
	return err
}

// finish applies a terminal transition and reports whether this call made it.
func (m *ManagerService) finish(ctx context.Context, sessionID string, status models.SessionStatus, reason models.EndReason, quality *models.ConnectionQuality) (bool, error) {
	session, err := m.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if session.Status.Terminal() {
		return false, nil
	}

	endedAt := m.Now()
	updated, err := m.Sessions.UpdateSessionStatus(ctx, sessionID, status, reason, endedAt, quality)
	if err != nil {
		return false, err
	}
	if !updated {
		// Lost the race to another end call.
		return false, nil
	}

	bg := context.WithoutCancel(ctx)
	for _, id := range session.Participants() {
		m.release(bg, id, sessionID)
	}

	session.Status = status
	session.EndReason = reason
	session.EndedAt = &endedAt
	session.Quality = quality

	logger.Info("Session finished", "session_id", sessionID, "status", status, "reason", reason)
	m.fireEnd(session)
	return true, nil
}

// FindByID returns a session by its ID.
func (m *ManagerService) FindByID(ctx context.Context, sessionID string) (*models.Session, error) {
	return m.Sessions.GetSession(ctx, sessionID)
}

// FindByRoom returns the session bound to roomID.
func (m *ManagerService) FindByRoom(ctx context.Context, roomID string) (*models.Session, error) {
	return m.Sessions.FindSessionByRoom(ctx, roomID)
}

// FindActiveByUser returns the active session of userID.
func (m *ManagerService) FindActiveByUser(ctx context.Context, userID string) (*models.Session, error) {
	return m.Sessions.FindActiveSessionByUser(ctx, userID)
}

// Touch records activity on an active session.
func (m *ManagerService) Touch(ctx context.Context, sessionID string) error {
	session, err := m.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != models.SessionActive {
		return apperrors.ErrSessionNotActive
	}
	return m.Sessions.TouchSession(ctx, sessionID, m.Now())
}

// SweepStale abandons every active session idle for longer than the
// inactivity window and returns how many it abandoned.
func (m *ManagerService) SweepStale(ctx context.Context) (int, error) {
	cutoff := m.Now().Add(-m.Config.InactivityWindow)
	stale, err := m.Sessions.ListStaleSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, s := range stale {
		done, err := m.finish(ctx, s.ID, models.SessionAbandoned, models.EndTimeout, nil)
		if err != nil {
			logger.Error("Failed to abandon session", "session_id", s.ID, "error", err)
			continue
		}
		if done {
			swept++
		}
	}
	if swept > 0 {
		logger.Info("Timeout sweep finished", "abandoned", swept)
	}
	return swept, nil
}

// RunSweeper calls SweepStale every SweepInterval until ctx is cancelled.
func (m *ManagerService) RunSweeper(ctx context.Context) {
	interval := m.Config.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Session sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Session sweeper stopped")
			return
		case <-ticker.C:
			if _, err := m.SweepStale(ctx); err != nil {
				logger.Error("Timeout sweep failed", "error", err)
			}
		}
	}
}
