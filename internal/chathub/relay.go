package chathub

import (
	"chatgogo/pairing/internal/apperrors"
	"chatgogo/pairing/internal/config"
	"chatgogo/pairing/internal/logger"
	"chatgogo/pairing/internal/models"
	"chatgogo/pairing/internal/storage"
	"context"
	"errors"
	"html"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

type subscriber struct {
	sessionID string
	ch        chan models.Message
	once      sync.Once
}

// lane serialises appends of one session so timestamps never go backwards.
type lane struct {
	mu   sync.Mutex
	last time.Time
}

// RelayService appends messages to session transcripts and fans them out
// to live subscribers. Delivery never blocks the sender: each subscriber
// has a bounded buffer, and a full buffer drops the message for that
// subscriber only.
type RelayService struct {
	Sessions   storage.SessionStore
	Messages   storage.MessageStore
	Publisher  storage.Publisher
	Config     config.Relay
	InstanceID string
	Now        func() time.Time

	policy *bluemonday.Policy

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}

	lanesMu sync.Mutex
	lanes   map[string]*lane
}

// NewRelayService creates a relay. publisher may be nil for a single instance.
func NewRelayService(sessions storage.SessionStore, messages storage.MessageStore, publisher storage.Publisher, cfg config.Relay) *RelayService {
	if cfg.SubscriberBuffer < 1 {
		cfg.SubscriberBuffer = 1
	}
	return &RelayService{
		Sessions:   sessions,
		Messages:   messages,
		Publisher:  publisher,
		Config:     cfg,
		InstanceID: uuid.New().String(),
		Now:        time.Now,
		policy:     bluemonday.StrictPolicy(),
		subs:       make(map[string]map[*subscriber]struct{}),
		lanes:      make(map[string]*lane),
	}
}

func (r *RelayService) laneFor(sessionID string) *lane {
	r.lanesMu.Lock()
	defer r.lanesMu.Unlock()
	l, ok := r.lanes[sessionID]
	if !ok {
		l = &lane{}
		r.lanes[sessionID] = l
	}
	return l
}

// dropLane forgets l if it is still the lane of sessionID.
func (r *RelayService) dropLane(sessionID string, l *lane) {
	r.lanesMu.Lock()
	if r.lanes[sessionID] == l {
		delete(r.lanes, sessionID)
	}
	r.lanesMu.Unlock()
}

// SendMessage validates and appends a participant's message, then
// broadcasts it. It returns ErrSessionNotActive when the session is not
// active or senderID is not one of its participants.
func (r *RelayService) SendMessage(ctx context.Context, sessionID, senderID, content string, msgType models.MessageType) (*models.Message, error) {
	if msgType == "" {
		msgType = models.MessageText
	}
	if !msgType.Valid() || msgType == models.MessageSystem {
		return nil, apperrors.Validation("unsupported message type %q", msgType)
	}

	content = strings.TrimSpace(content)
	if r.Config.MaxMessageLength > 0 && utf8.RuneCountInString(content) > r.Config.MaxMessageLength {
		return nil, apperrors.Validation("message longer than %d characters", r.Config.MaxMessageLength)
	}
	content = r.plainText(content)
	if content == "" {
		return nil, apperrors.Validation("message content is empty")
	}

	// The status is checked under the lane so nothing lands after the end notice.
	l := r.laneFor(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()

	session, err := r.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			r.dropLane(sessionID, l)
			return nil, apperrors.ErrSessionNotActive
		}
		return nil, err
	}
	if session.Status != models.SessionActive {
		r.dropLane(sessionID, l)
		return nil, apperrors.ErrSessionNotActive
	}
	if !session.HasParticipant(senderID) {
		return nil, apperrors.ErrSessionNotActive
	}

	msg, err := r.appendLocked(ctx, l, sessionID, senderID, content, msgType, false)
	if err != nil {
		return nil, err
	}
	if err := r.Sessions.TouchSession(ctx, sessionID, msg.Timestamp); err != nil {
		logger.Warn("Failed to record session activity", "session_id", sessionID, "error", err)
	}
	return msg, nil
}

// plainText strips markup and keeps the text as typed. The strict policy
// escapes entities, so the result is unescaped again; clients escape at render time.
func (r *RelayService) plainText(content string) string {
	return strings.TrimSpace(html.UnescapeString(r.policy.Sanitize(content)))
}

// Announce appends a system message to the session regardless of its status.
func (r *RelayService) Announce(ctx context.Context, sessionID, content string) (*models.Message, error) {
	l := r.laneFor(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return r.appendLocked(ctx, l, sessionID, models.SystemSenderID, content, models.MessageSystem, false)
}

// AnnounceEnd appends the final system message of an ended session and then
// closes it here and on every other instance.
func (r *RelayService) AnnounceEnd(ctx context.Context, sessionID, content string) (*models.Message, error) {
	l := r.laneFor(sessionID)
	l.mu.Lock()
	msg, err := r.appendLocked(ctx, l, sessionID, models.SystemSenderID, content, models.MessageSystem, true)
	l.mu.Unlock()
	r.CloseSession(sessionID)
	return msg, err
}

// appendLocked stores and broadcasts one message. The caller holds l.mu.
func (r *RelayService) appendLocked(ctx context.Context, l *lane, sessionID, senderID, content string, msgType models.MessageType, closing bool) (*models.Message, error) {
	ts := r.Now()
	if ts.Before(l.last) {
		ts = l.last
	}
	msg := &models.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		SenderID:  senderID,
		Content:   content,
		Type:      msgType,
		Timestamp: ts,
	}
	if err := r.Messages.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	l.last = ts

	r.deliver(*msg)

	if r.Publisher != nil {
		env := models.RelayEnvelope{Origin: r.InstanceID, Message: *msg, Closing: closing}
		if err := r.Publisher.PublishMessage(ctx, env); err != nil {
			logger.Error("Failed to publish message", "session_id", sessionID, "error", err)
		}
	}
	return msg, nil
}

// deliver hands msg to every local subscriber of its session without blocking.
func (r *RelayService) deliver(msg models.Message) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sub := range r.subs[msg.SessionID] {
		select {
		case sub.ch <- msg:
		default:
			logger.Warn("Subscriber buffer full, message dropped",
				"session_id", msg.SessionID,
				"message_id", msg.ID,
			)
		}
	}
}

// Subscribe registers callback for messages of sessionID. The callback runs
// on its own goroutine, one message at a time, in session order. The
// returned function unsubscribes; calling it more than once is safe.
func (r *RelayService) Subscribe(sessionID string, callback func(models.Message)) func() {
	sub := &subscriber{
		sessionID: sessionID,
		ch:        make(chan models.Message, r.Config.SubscriberBuffer),
	}

	r.mu.Lock()
	set, ok := r.subs[sessionID]
	if !ok {
		set = make(map[*subscriber]struct{})
		r.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	r.mu.Unlock()

	go func() {
		for msg := range sub.ch {
			callback(msg)
		}
	}()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if set, ok := r.subs[sessionID]; ok {
			if _, live := set[sub]; live {
				delete(set, sub)
				if len(set) == 0 {
					delete(r.subs, sessionID)
				}
			}
		}
		sub.close()
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// SubscriberCount returns how many live subscribers sessionID has.
func (r *RelayService) SubscriberCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[sessionID])
}

// CloseSession drops every subscriber of sessionID and forgets its ordering state.
// Pending buffered messages are still handed to the callbacks.
func (r *RelayService) CloseSession(sessionID string) {
	r.mu.Lock()
	for sub := range r.subs[sessionID] {
		sub.close()
	}
	delete(r.subs, sessionID)
	r.mu.Unlock()

	r.lanesMu.Lock()
	delete(r.lanes, sessionID)
	r.lanesMu.Unlock()
}

// GetMessages returns up to limit messages of the session, oldest first.
// A non-positive limit uses the default; limits above the maximum are clamped.
func (r *RelayService) GetMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	if sessionID == "" {
		return nil, apperrors.Validation("session id is required")
	}
	if limit <= 0 {
		limit = r.Config.DefaultHistoryLimit
	}
	if r.Config.MaxHistoryLimit > 0 && limit > r.Config.MaxHistoryLimit {
		limit = r.Config.MaxHistoryLimit
	}
	return r.Messages.ListMessages(ctx, sessionID, limit)
}
