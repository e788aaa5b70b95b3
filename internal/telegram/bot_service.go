// Package telegram lets users reach the pairing engine through a Telegram
// bot. BotService turns bot commands into engine calls and, as the engine's
// notifier, attaches a Client to every Telegram participant of a new session.
package telegram

import (
	"chatgogo/pairing/internal/apperrors"
	"chatgogo/pairing/internal/engine"
	"chatgogo/pairing/internal/localization"
	"chatgogo/pairing/internal/logger"
	"chatgogo/pairing/internal/models"
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ProfileID is the profile a Telegram chat is known by.
func ProfileID(chatID int64) string {
	return "tg-" + strconv.FormatInt(chatID, 10)
}

// BotService routes Telegram updates to the engine.
type BotService struct {
	Messenger Messenger
	Engine    *engine.Engine
	Localizer *localization.Localizer
	Buffer    int

	mu        sync.Mutex
	clients   map[string]*Client
	searching map[int64]struct{}
}

var _ engine.Notifier = (*BotService)(nil)

// NewBotService creates a BotService. Install it with Engine.SetNotifier so
// matches and endings reach the chats.
func NewBotService(m Messenger, e *engine.Engine, localizer *localization.Localizer, buffer int) *BotService {
	return &BotService{
		Messenger: m,
		Engine:    e,
		Localizer: localizer,
		Buffer:    buffer,
		clients:   make(map[string]*Client),
		searching: make(map[int64]struct{}),
	}
}

// Run handles updates until ctx is cancelled or updates is closed. Each
// update runs in its own goroutine because a search may wait for a partner.
func (s *BotService) Run(ctx context.Context, updates <-chan tgbotapi.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			go s.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate processes one update. Only messages are handled.
func (s *BotService) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil {
		return
	}
	chatID := msg.Chat.ID
	lang := localization.DefaultLang
	if msg.From != nil && msg.From.LanguageCode != "" {
		lang = msg.From.LanguageCode
	}

	profile, err := s.ensureProfile(ctx, chatID, lang)
	if err != nil {
		logger.Error("Failed to load Telegram profile", "chat_id", chatID, "error", err)
		s.reply(chatID, lang, "internal_error")
		return
	}
	lang = profile.Locale

	if msg.IsCommand() {
		switch msg.Command() {
		case "start":
			s.reply(chatID, lang, "welcome")
		case "search":
			s.handleSearch(ctx, chatID, profile)
		case "next":
			if !s.handleStop(ctx, chatID, profile, false) {
				return
			}
			s.handleSearch(ctx, chatID, profile)
		case "stop":
			s.handleStop(ctx, chatID, profile, true)
		case "report":
			s.handleReport(ctx, chatID, profile, msg.CommandArguments())
		default:
			s.reply(chatID, lang, "unknown_command")
		}
		return
	}

	if msg.Text == "" {
		s.reply(chatID, lang, "unsupported_message_type")
		return
	}
	s.handleText(ctx, chatID, profile, msg.Text)
}

// ensureProfile returns the chat's profile, creating it on first contact,
// and marks it online.
func (s *BotService) ensureProfile(ctx context.Context, chatID int64, lang string) (*models.Profile, error) {
	id := ProfileID(chatID)
	profile, err := s.Engine.GetProfile(ctx, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		profile = &models.Profile{
			ID:             id,
			LocationScope:  models.LocationGlobal,
			Online:         true,
			TelegramChatID: chatID,
			Locale:         lang,
		}
		if err := s.Engine.RegisterProfile(ctx, profile); err != nil {
			return nil, err
		}
		logger.Info("Registered Telegram user", "chat_id", chatID, "user_id", id)
		return profile, nil
	}
	if err != nil {
		return nil, err
	}
	if !profile.Online {
		if err := s.Engine.SetPresence(ctx, id, true); err != nil {
			return nil, err
		}
		profile.Online = true
	}
	if profile.Locale == "" {
		profile.Locale = lang
	}
	return profile, nil
}

func (s *BotService) handleSearch(ctx context.Context, chatID int64, profile *models.Profile) {
	lang := profile.Locale
	if !s.beginSearch(chatID) {
		s.reply(chatID, lang, "searching")
		return
	}
	defer s.endSearch(chatID)

	if _, err := s.Engine.FindActiveSession(ctx, profile.ID); err == nil {
		s.reply(chatID, lang, "already_in_chat")
		return
	}
	banned, err := s.Engine.IsBanned(ctx, profile.ID)
	if err != nil {
		s.replyError(chatID, lang, err)
		return
	}
	if banned {
		s.reply(chatID, lang, "banned")
		return
	}

	s.reply(chatID, lang, "searching")
	partner, err := s.Engine.Search(ctx, profile.ID, nil)
	if err != nil {
		s.replyError(chatID, lang, err)
		return
	}
	// The match and partner-side notifications go out through NotifyMatch.
	if _, err := s.Engine.CreateSession(ctx, "", profile.ID, partner.ID, profile.Preferences, partner.Preferences); err != nil {
		if errors.Is(err, apperrors.ErrAlreadyInSession) {
			// Another search may have paired this user meanwhile; match_found went out then.
			if _, findErr := s.Engine.FindActiveSession(ctx, profile.ID); findErr == nil {
				return
			}
			s.reply(chatID, lang, "no_match")
			return
		}
		s.replyError(chatID, lang, err)
	}
}

// handleStop ends the chat's active session. It reports whether the caller
// may go on, which is false only on a store failure.
func (s *BotService) handleStop(ctx context.Context, chatID int64, profile *models.Profile, replyIfIdle bool) bool {
	session, err := s.Engine.FindActiveSession(ctx, profile.ID)
	if errors.Is(err, apperrors.ErrNotFound) {
		if replyIfIdle {
			s.reply(chatID, profile.Locale, "not_in_chat")
		}
		return true
	}
	if err == nil {
		err = s.Engine.EndSession(ctx, session.ID, models.EndUserEnded, nil)
	}
	if err != nil {
		s.replyError(chatID, profile.Locale, err)
		return false
	}
	return true
}

func (s *BotService) handleReport(ctx context.Context, chatID int64, profile *models.Profile, reason string) {
	lang := profile.Locale
	reason = strings.TrimSpace(reason)
	if reason == "" {
		s.reply(chatID, lang, "report_usage")
		return
	}
	session, err := s.Engine.FindActiveSession(ctx, profile.ID)
	if err != nil {
		s.replyError(chatID, lang, err)
		return
	}
	if _, err := s.Engine.ReportUser(ctx, profile.ID, session.PartnerOf(profile.ID), reason, "", session.ID); err != nil {
		s.replyError(chatID, lang, err)
		return
	}
	s.reply(chatID, lang, "report_sent")
}

func (s *BotService) handleText(ctx context.Context, chatID int64, profile *models.Profile, text string) {
	session, err := s.Engine.FindActiveSession(ctx, profile.ID)
	if err != nil {
		s.replyError(chatID, profile.Locale, err)
		return
	}
	if _, err := s.Engine.SendMessage(ctx, session.ID, profile.ID, text, models.MessageText); err != nil {
		s.replyError(chatID, profile.Locale, err)
	}
}

// NotifyMatch attaches a Client for every Telegram participant and tells
// them a partner was found.
func (s *BotService) NotifyMatch(ctx context.Context, session *models.Session) error {
	var errs []error
	for _, userID := range []string{session.UserAID, session.UserBID} {
		profile, err := s.Engine.GetProfile(ctx, userID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if profile.TelegramChatID == 0 {
			continue
		}

		client := NewClient(s.Messenger, userID, session.ID, profile.TelegramChatID, s.Buffer)
		unsubscribe, err := s.Engine.SubscribeToSessionMessages(ctx, session.ID, client.Deliver)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		client.Unsubscribe = unsubscribe
		s.attach(client)
		client.Run()

		if err := s.Messenger.SendText(profile.TelegramChatID, s.Localizer.GetString(profile.Locale, "match_found")); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifyEnded detaches the session's clients and tells the Telegram
// participants why it ended.
func (s *BotService) NotifyEnded(ctx context.Context, session *models.Session) error {
	var errs []error
	for _, userID := range []string{session.UserAID, session.UserBID} {
		s.detach(userID, session.ID)

		profile, err := s.Engine.GetProfile(ctx, userID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if profile.TelegramChatID == 0 {
			continue
		}
		reason := s.Localizer.GetString(profile.Locale, "reason_"+string(session.EndReason))
		text := s.Localizer.Format(profile.Locale, "session_ended", reason)
		if err := s.Messenger.SendText(profile.TelegramChatID, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ClientCount returns the number of attached clients.
func (s *BotService) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *BotService) attach(c *Client) {
	s.mu.Lock()
	old := s.clients[c.UserID]
	s.clients[c.UserID] = c
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (s *BotService) detach(userID, sessionID string) {
	s.mu.Lock()
	c, ok := s.clients[userID]
	if ok && c.SessionID == sessionID {
		delete(s.clients, userID)
	}
	s.mu.Unlock()
	if ok && c.SessionID == sessionID {
		c.Close()
	}
}

func (s *BotService) beginSearch(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.searching[chatID]; busy {
		return false
	}
	s.searching[chatID] = struct{}{}
	return true
}

func (s *BotService) endSearch(chatID int64) {
	s.mu.Lock()
	delete(s.searching, chatID)
	s.mu.Unlock()
}

func (s *BotService) reply(chatID int64, lang, key string) {
	if err := s.Messenger.SendText(chatID, s.Localizer.GetString(lang, key)); err != nil {
		logger.Error("Failed to send Telegram reply", "chat_id", chatID, "key", key, "error", err)
	}
}

// replyError answers with the text matching err's code.
func (s *BotService) replyError(chatID int64, lang string, err error) {
	key := "internal_error"
	switch apperrors.CodeOf(err) {
	case apperrors.CodeNoMatchFound:
		key = "no_match"
	case apperrors.CodeNotFound, apperrors.CodeSessionNotActive:
		key = "not_in_chat"
	case apperrors.CodeAlreadyInSession:
		key = "already_in_chat"
	case apperrors.CodeUserBanned:
		key = "banned"
	case apperrors.CodeValidation:
		key = "message_rejected"
	default:
		logger.Error("Telegram command failed", "chat_id", chatID, "error", err)
	}
	s.reply(chatID, lang, key)
}
