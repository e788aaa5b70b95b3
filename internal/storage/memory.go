package storage

import (
	"chatgogo/pairing/internal/apperrors"
	"chatgogo/pairing/internal/models"
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Storage in process memory. It backs single-instance
// deployments and tests; every instance is isolated from the others.
type MemoryStore struct {
	profilesMu sync.RWMutex
	profiles   map[string]*models.Profile

	sessionsMu   sync.RWMutex
	sessions     map[string]*models.Session
	sessionsRoom map[string]string
	activeByUser map[string]string

	messagesMu sync.RWMutex
	messages   map[string][]models.Message

	reportsMu sync.RWMutex
	reports   []models.Report

	historyMu sync.RWMutex
	history   map[string]map[string]struct{}

	claimsMu sync.Mutex
	claims   map[string]claim

	bansMu sync.RWMutex
	bans   map[string]time.Time

	// Now is the clock used for claim expiry.
	Now func() time.Time
}

type claim struct {
	sessionID string
	expires   time.Time
}

func (c claim) live(now time.Time) bool {
	return c.sessionID != "" && (c.expires.IsZero() || now.Before(c.expires))
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:     make(map[string]*models.Profile),
		sessions:     make(map[string]*models.Session),
		sessionsRoom: make(map[string]string),
		activeByUser: make(map[string]string),
		messages:     make(map[string][]models.Message),
		history:      make(map[string]map[string]struct{}),
		claims:       make(map[string]claim),
		bans:         make(map[string]time.Time),
		Now:          time.Now,
	}
}

var _ Storage = (*MemoryStore)(nil)

func notFound(op string) error {
	return apperrors.New(apperrors.CodeNotFound, op)
}

// --- Profiles ---

func (m *MemoryStore) GetProfile(_ context.Context, userID string) (*models.Profile, error) {
	m.profilesMu.RLock()
	defer m.profilesMu.RUnlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, notFound("profile " + userID)
	}
	return p.Clone(), nil
}

func (m *MemoryStore) ListOnline(_ context.Context) ([]*models.Profile, error) {
	m.profilesMu.RLock()
	defer m.profilesMu.RUnlock()
	out := make([]*models.Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		if p.Online {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetOnline(_ context.Context, userID string, online bool, at time.Time) error {
	m.profilesMu.Lock()
	defer m.profilesMu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return notFound("profile " + userID)
	}
	p.Online = online
	p.LastSeen = at
	return nil
}

func (m *MemoryStore) SaveProfile(_ context.Context, profile *models.Profile) error {
	if profile.ID == "" {
		if err := profile.BeforeCreate(nil); err != nil {
			return err
		}
	}
	m.profilesMu.Lock()
	defer m.profilesMu.Unlock()
	m.profiles[profile.ID] = profile.Clone()
	return nil
}

// --- Sessions ---

func cloneSession(s *models.Session) *models.Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.Quality != nil {
		q := *s.Quality
		c.Quality = &q
	}
	c.PrefsA.Interests = append([]string(nil), s.PrefsA.Interests...)
	c.PrefsB.Interests = append([]string(nil), s.PrefsB.Interests...)
	return &c
}

func (m *MemoryStore) InsertSession(_ context.Context, session *models.Session) error {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	if _, ok := m.sessionsRoom[session.RoomID]; ok {
		return ErrDuplicateRoom
	}
	c := cloneSession(session)
	m.sessions[c.ID] = c
	m.sessionsRoom[c.RoomID] = c.ID
	if c.Status == models.SessionActive {
		m.activeByUser[c.UserAID] = c.ID
		m.activeByUser[c.UserBID] = c.ID
	}
	return nil
}

func (m *MemoryStore) UpdateSessionStatus(_ context.Context, sessionID string, status models.SessionStatus, reason models.EndReason, endedAt time.Time, quality *models.ConnectionQuality) (bool, error) {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status != models.SessionActive {
		return false, nil
	}
	s.Status = status
	s.EndReason = reason
	t := endedAt
	s.EndedAt = &t
	if quality != nil {
		q := *quality
		s.Quality = &q
	}
	for _, u := range s.Participants() {
		if m.activeByUser[u] == sessionID {
			delete(m.activeByUser, u)
		}
	}
	return true, nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, notFound("session " + sessionID)
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) FindActiveSessionByUser(_ context.Context, userID string) (*models.Session, error) {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	id, ok := m.activeByUser[userID]
	if !ok {
		return nil, notFound("active session for " + userID)
	}
	return cloneSession(m.sessions[id]), nil
}

func (m *MemoryStore) FindSessionByRoom(_ context.Context, roomID string) (*models.Session, error) {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	id, ok := m.sessionsRoom[roomID]
	if !ok {
		return nil, notFound("session for room " + roomID)
	}
	return cloneSession(m.sessions[id]), nil
}

func (m *MemoryStore) ListStaleSessions(_ context.Context, olderThan time.Time) ([]*models.Session, error) {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	var out []*models.Session
	for _, s := range m.sessions {
		if s.Status == models.SessionActive && s.LastActivityAt.Before(olderThan) {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) TouchSession(_ context.Context, sessionID string, at time.Time) error {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	if s, ok := m.sessions[sessionID]; ok && s.Status == models.SessionActive && at.After(s.LastActivityAt) {
		s.LastActivityAt = at
	}
	return nil
}

// --- Messages ---

func (m *MemoryStore) InsertMessage(_ context.Context, msg *models.Message) error {
	m.messagesMu.Lock()
	defer m.messagesMu.Unlock()
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], *msg)
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, sessionID string, limit int) ([]models.Message, error) {
	m.messagesMu.RLock()
	transcript := append([]models.Message(nil), m.messages[sessionID]...)
	m.messagesMu.RUnlock()

	sort.SliceStable(transcript, func(i, j int) bool {
		return transcript[i].Timestamp.Before(transcript[j].Timestamp)
	})
	if limit > 0 && len(transcript) > limit {
		transcript = transcript[:limit]
	}
	return transcript, nil
}

// --- Reports ---

func (m *MemoryStore) InsertReport(_ context.Context, report *models.Report) error {
	if report.Status == "" {
		report.Status = models.ReportPending
	}
	m.reportsMu.Lock()
	defer m.reportsMu.Unlock()
	m.reports = append(m.reports, *report)
	return nil
}

func (m *MemoryStore) CountReportersForUser(_ context.Context, userID string, since time.Time) (int, error) {
	m.reportsMu.RLock()
	defer m.reportsMu.RUnlock()
	reporters := make(map[string]struct{})
	for _, r := range m.reports {
		if r.ReportedID == userID && !r.CreatedAt.Before(since) {
			reporters[r.ReporterID] = struct{}{}
		}
	}
	return len(reporters), nil
}

// --- History ---

func (m *MemoryStore) AddPair(_ context.Context, userA, userB string) error {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	m.addHalf(userA, userB)
	m.addHalf(userB, userA)
	return nil
}

func (m *MemoryStore) addHalf(user, partner string) {
	set, ok := m.history[user]
	if !ok {
		set = make(map[string]struct{})
		m.history[user] = set
	}
	set[partner] = struct{}{}
}

func (m *MemoryStore) ListPartners(_ context.Context, userID string) ([]string, error) {
	m.historyMu.RLock()
	defer m.historyMu.RUnlock()
	out := make([]string, 0, len(m.history[userID]))
	for p := range m.history[userID] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) HasPartner(_ context.Context, userID, partnerID string) (bool, error) {
	m.historyMu.RLock()
	defer m.historyMu.RUnlock()
	_, ok := m.history[userID][partnerID]
	return ok, nil
}

func (m *MemoryStore) ClearHistory(_ context.Context, userID string) error {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	for partner := range m.history[userID] {
		delete(m.history[partner], userID)
	}
	delete(m.history, userID)
	return nil
}

// --- Claims ---

func (m *MemoryStore) Claim(_ context.Context, userID, sessionID string, ttl time.Duration) (bool, error) {
	m.claimsMu.Lock()
	defer m.claimsMu.Unlock()
	now := m.Now()
	if m.claims[userID].live(now) {
		return false, nil
	}
	c := claim{sessionID: sessionID}
	if ttl > 0 {
		c.expires = now.Add(ttl)
	}
	m.claims[userID] = c
	return true, nil
}

func (m *MemoryStore) ConfirmClaim(_ context.Context, userID, sessionID string) (bool, error) {
	m.claimsMu.Lock()
	defer m.claimsMu.Unlock()
	c := m.claims[userID]
	if c.sessionID != sessionID || !c.live(m.Now()) {
		return false, nil
	}
	m.claims[userID] = claim{sessionID: sessionID}
	return true, nil
}

func (m *MemoryStore) ReleaseClaim(_ context.Context, userID, sessionID string) error {
	m.claimsMu.Lock()
	defer m.claimsMu.Unlock()
	if m.claims[userID].sessionID == sessionID {
		delete(m.claims, userID)
	}
	return nil
}

func (m *MemoryStore) ClaimHolder(_ context.Context, userID string) (string, error) {
	m.claimsMu.Lock()
	defer m.claimsMu.Unlock()
	c := m.claims[userID]
	if !c.live(m.Now()) {
		return "", nil
	}
	return c.sessionID, nil
}

// --- Bans ---

func (m *MemoryStore) SetBan(_ context.Context, userID string, until time.Time) error {
	m.bansMu.Lock()
	defer m.bansMu.Unlock()
	m.bans[userID] = until
	return nil
}

func (m *MemoryStore) ClearBan(_ context.Context, userID string) error {
	m.bansMu.Lock()
	defer m.bansMu.Unlock()
	delete(m.bans, userID)
	return nil
}

func (m *MemoryStore) IsFlagged(_ context.Context, userID string, now time.Time) (bool, error) {
	m.bansMu.RLock()
	defer m.bansMu.RUnlock()
	until, ok := m.bans[userID]
	if !ok {
		return false, nil
	}
	return until.IsZero() || now.Before(until), nil
}
