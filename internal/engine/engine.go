// Package engine is the single entry point callers use: it wires the match
// pool, the session manager, the message relay and the moderation guard
// over one store and exposes the operations of the pairing engine.
package engine

import (
	"chatgogo/pairing/internal/apperrors"
	"chatgogo/pairing/internal/chathub"
	"chatgogo/pairing/internal/complaint"
	"chatgogo/pairing/internal/config"
	"chatgogo/pairing/internal/logger"
	"chatgogo/pairing/internal/models"
	"chatgogo/pairing/internal/storage"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Notifier tells participants about session events outside the relay,
// for example through a chat bot.
type Notifier interface {
	NotifyMatch(ctx context.Context, session *models.Session) error
	NotifyEnded(ctx context.Context, session *models.Session) error
}

// Engine exposes the pairing operations.
type Engine struct {
	Store      storage.Storage
	Matcher    *chathub.MatcherService
	Manager    *chathub.ManagerService
	Relay      *chathub.RelayService
	Moderation *complaint.Service
	Matching   config.Matching
	Now        func() time.Time

	notifierMu sync.RWMutex
	notifier   Notifier
}

// New builds an engine over store. publisher may be nil when only one
// instance runs; rnd may be nil to use a time-seeded source.
func New(store storage.Storage, publisher storage.Publisher, cfg *config.Config, rnd chathub.RandomSource) *Engine {
	moderation := complaint.NewService(store, store, cfg.Moderation)
	e := &Engine{
		Store:      store,
		Matcher:    chathub.NewMatcherService(store, store, store, moderation, cfg.Matching, rnd),
		Manager:    chathub.NewManagerService(store, store, moderation, cfg.Session),
		Relay:      chathub.NewRelayService(store, store, publisher, cfg.Relay),
		Moderation: moderation,
		Matching:   cfg.Matching,
		Now:        time.Now,
	}
	e.Manager.SetEndHook(e.onSessionEnd)
	return e
}

// SetNotifier installs n; nil disables notifications.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifierMu.Lock()
	e.notifier = n
	e.notifierMu.Unlock()
}

func (e *Engine) getNotifier() Notifier {
	e.notifierMu.RLock()
	defer e.notifierMu.RUnlock()
	return e.notifier
}

func (e *Engine) onSessionEnd(session *models.Session) {
	ctx := context.Background()
	notice := fmt.Sprintf("session %s: %s", session.Status, session.EndReason)
	if _, err := e.Relay.AnnounceEnd(ctx, session.ID, notice); err != nil {
		logger.Warn("Failed to announce session end", "session_id", session.ID, "error", err)
	}

	if n := e.getNotifier(); n != nil {
		if err := n.NotifyEnded(ctx, session); err != nil {
			logger.Warn("Failed to notify session end", "session_id", session.ID, "error", err)
		}
	}
}

// RegisterProfile validates and saves a profile. New profiles get an ID.
func (e *Engine) RegisterProfile(ctx context.Context, profile *models.Profile) error {
	if profile.AgeBracket != "" && models.AgeBracketIndex(profile.AgeBracket) < 0 {
		return apperrors.Validation("unknown age bracket %q", profile.AgeBracket)
	}
	if profile.LocationScope != "" && !profile.LocationScope.Valid() {
		return apperrors.Validation("unknown location scope %q", profile.LocationScope)
	}
	if err := chathub.ValidatePreferences(&profile.Preferences); err != nil {
		return err
	}
	if err := chathub.ValidatePreferences(&models.Preferences{Interests: profile.Interests}); err != nil {
		return err
	}
	if profile.Online && profile.LastSeen.IsZero() {
		profile.LastSeen = e.Now()
	}
	return e.Store.SaveProfile(ctx, profile)
}

// GetProfile returns a stored profile.
func (e *Engine) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	return e.Store.GetProfile(ctx, userID)
}

// FindMatch makes one attempt to find a partner. It returns
// apperrors.ErrNoMatchFound when nobody qualifies right now.
func (e *Engine) FindMatch(ctx context.Context, userID string, prefs *models.Preferences) (*models.Profile, error) {
	return e.Matcher.FindBestMatch(ctx, userID, prefs)
}

// Search retries FindMatch until a partner turns up, SearchTimeout passes
// or ctx is cancelled. Running out of time reports ErrNoMatchFound.
func (e *Engine) Search(ctx context.Context, userID string, prefs *models.Preferences) (*models.Profile, error) {
	timeout := e.Matching.SearchTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	backoff := e.Matching.SearchBackoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempts := 0
	for {
		attempts++
		partner, err := e.FindMatch(ctx, userID, prefs)
		if err == nil {
			return partner, nil
		}
		if !errors.Is(err, apperrors.ErrNoMatchFound) {
			return nil, err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Debug("Search gave up", "user_id", userID, "attempts", attempts)
			return nil, apperrors.ErrNoMatchFound
		case <-timer.C:
		}
	}
}

// CreateSession claims both users into a new active session.
func (e *Engine) CreateSession(ctx context.Context, roomID, userA, userB string, prefsA, prefsB models.Preferences) (*models.Session, error) {
	session, err := e.Manager.CreateSession(ctx, roomID, userA, userB, prefsA, prefsB)
	if err != nil {
		return nil, err
	}
	if n := e.getNotifier(); n != nil {
		if err := n.NotifyMatch(ctx, session); err != nil {
			logger.Warn("Failed to notify match", "session_id", session.ID, "error", err)
		}
	}
	return session, nil
}

// CreateMatchedSession creates a session that userID asked for. The partner
// must have been matched with userID before, so a caller cannot claim an
// arbitrary user.
func (e *Engine) CreateMatchedSession(ctx context.Context, roomID, userID, partnerID string, prefs, partnerPrefs models.Preferences) (*models.Session, error) {
	if userID == "" || partnerID == "" || userID == partnerID {
		return e.CreateSession(ctx, roomID, userID, partnerID, prefs, partnerPrefs)
	}
	for _, id := range []string{userID, partnerID} {
		banned, err := e.Moderation.IsBanned(ctx, id)
		if err != nil {
			return nil, err
		}
		if banned {
			return nil, apperrors.New(apperrors.CodeUserBanned, "user "+id+" is banned")
		}
	}
	matched, err := e.Store.HasPartner(ctx, userID, partnerID)
	if err != nil {
		return nil, err
	}
	if !matched {
		logger.Warn("Session requested with a partner that was never matched", "user_id", userID, "partner_id", partnerID)
		return nil, apperrors.Validation("user %s was not matched with you", partnerID)
	}
	return e.CreateSession(ctx, roomID, userID, partnerID, prefs, partnerPrefs)
}

// EndSession ends a session. Ending a finished session is a no-op.
func (e *Engine) EndSession(ctx context.Context, sessionID string, reason models.EndReason, quality *models.ConnectionQuality) error {
	return e.Manager.EndSession(ctx, sessionID, reason, quality)
}

// GetSession returns a session by ID.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return e.Manager.FindByID(ctx, sessionID)
}

// FindSessionByRoom returns the session bound to roomID.
func (e *Engine) FindSessionByRoom(ctx context.Context, roomID string) (*models.Session, error) {
	return e.Manager.FindByRoom(ctx, roomID)
}

// FindActiveSession returns userID's active session.
func (e *Engine) FindActiveSession(ctx context.Context, userID string) (*models.Session, error) {
	return e.Manager.FindActiveByUser(ctx, userID)
}

// Heartbeat records that userID is still present in sessionID.
func (e *Engine) Heartbeat(ctx context.Context, sessionID, userID string) error {
	session, err := e.Manager.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return apperrors.ErrSessionNotActive
		}
		return err
	}
	if !session.HasParticipant(userID) {
		return apperrors.ErrSessionNotActive
	}
	return e.Manager.Touch(ctx, sessionID)
}

// SendMessage appends a participant's message and broadcasts it.
func (e *Engine) SendMessage(ctx context.Context, sessionID, senderID, content string, msgType models.MessageType) (*models.Message, error) {
	return e.Relay.SendMessage(ctx, sessionID, senderID, content, msgType)
}

// GetMessages returns the session transcript, oldest first.
func (e *Engine) GetMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	return e.Relay.GetMessages(ctx, sessionID, limit)
}

// SubscribeToSessionMessages calls onMessage for every new message of an
// existing session until the returned function is called.
func (e *Engine) SubscribeToSessionMessages(ctx context.Context, sessionID string, onMessage func(models.Message)) (func(), error) {
	if onMessage == nil {
		return nil, apperrors.Validation("callback is required")
	}
	if _, err := e.Manager.FindByID(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.Relay.Subscribe(sessionID, onMessage), nil
}

// ReportUser files a report. When the reporter is in an active session
// with the reported user, that session ends with reason "reported".
func (e *Engine) ReportUser(ctx context.Context, reporterID, reportedID, reason, description, sessionID string) (*models.Report, error) {
	report, err := e.Moderation.ReportUser(ctx, reporterID, reportedID, reason, description, sessionID)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return report, nil
	}

	session, err := e.Manager.FindByID(ctx, sessionID)
	if err != nil {
		logger.Debug("Reported session not found", "session_id", sessionID, "error", err)
		return report, nil
	}
	if session.Status == models.SessionActive && session.PartnerOf(reporterID) == reportedID {
		if err := e.Manager.EndSession(ctx, sessionID, models.EndReported, nil); err != nil {
			logger.Error("Failed to end reported session", "session_id", sessionID, "error", err)
		}
	}
	return report, nil
}

// IsBanned applies the ban policy to userID.
func (e *Engine) IsBanned(ctx context.Context, userID string) (bool, error) {
	return e.Moderation.IsBanned(ctx, userID)
}

// Ban sets an explicit ban and ends the user's active session.
func (e *Engine) Ban(ctx context.Context, userID string, duration time.Duration) error {
	if err := e.Moderation.Ban(ctx, userID, duration); err != nil {
		return err
	}
	session, err := e.Manager.FindActiveByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}
	return e.Manager.EndSession(ctx, session.ID, models.EndReported, nil)
}

// Unban lifts an explicit ban.
func (e *Engine) Unban(ctx context.Context, userID string) error {
	return e.Moderation.Unban(ctx, userID)
}

// GetUserStats summarises userID's history and the current pool.
func (e *Engine) GetUserStats(ctx context.Context, userID string) (*models.UserStats, error) {
	partners, err := e.Store.ListPartners(ctx, userID)
	if err != nil {
		return nil, err
	}
	online, err := e.Store.ListOnline(ctx)
	if err != nil {
		return nil, err
	}
	candidates, err := e.Matcher.Candidates(ctx, userID, nil)
	if err != nil {
		return nil, err
	}
	return &models.UserStats{
		TotalMatches:     len(partners),
		OnlineUsers:      len(online),
		PotentialMatches: len(candidates),
	}, nil
}

// SetPresence flips userID's online flag. Going offline ends the user's
// active session with reason connection_lost.
func (e *Engine) SetPresence(ctx context.Context, userID string, online bool) error {
	if err := e.Store.SetOnline(ctx, userID, online, e.Now()); err != nil {
		return err
	}
	if online {
		return nil
	}
	session, err := e.Manager.FindActiveByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}
	return e.Manager.EndSession(ctx, session.ID, models.EndConnectionLost, nil)
}

// ClearHistory forgets every previous partner of userID.
func (e *Engine) ClearHistory(ctx context.Context, userID string) error {
	if userID == "" {
		return apperrors.Validation("user id is required")
	}
	return e.Store.ClearHistory(ctx, userID)
}

// Sweep runs one timeout sweep.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	return e.Manager.SweepStale(ctx)
}

// RunSweeper sweeps periodically until ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context) {
	e.Manager.RunSweeper(ctx)
}
