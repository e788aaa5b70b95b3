package telegram_test

import (
	"chatgogo/pairing/internal/config"
	"chatgogo/pairing/internal/engine"
	"chatgogo/pairing/internal/localization"
	"chatgogo/pairing/internal/models"
	"chatgogo/pairing/internal/storage"
	"chatgogo/pairing/internal/telegram"
	"context"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

type fakeMessenger struct {
	mu    sync.Mutex
	texts map[int64][]string
	// onSend runs after a text is recorded.
	onSend func(chatID int64, text string)
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{texts: make(map[int64][]string)}
}

func (f *fakeMessenger) SendText(chatID int64, text string) error {
	f.mu.Lock()
	f.texts[chatID] = append(f.texts[chatID], text)
	onSend := f.onSend
	f.mu.Unlock()
	if onSend != nil {
		onSend(chatID, text)
	}
	return nil
}

func (f *fakeMessenger) received(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts[chatID]...)
}

func (f *fakeMessenger) has(chatID int64, text string) bool {
	for _, t := range f.received(chatID) {
		if t == text {
			return true
		}
	}
	return false
}

type testBot struct {
	bot    *telegram.BotService
	engine *engine.Engine
	msgs   *fakeMessenger
	texts  *localization.Localizer
}

func newTestBot(t *testing.T) *testBot {
	t.Helper()
	cfg := config.Default()
	cfg.Matching.SearchTimeout = 40 * time.Millisecond
	cfg.Matching.SearchBackoff = 10 * time.Millisecond
	e := engine.New(storage.NewMemoryStore(), nil, cfg, nil)

	msgs := newFakeMessenger()
	texts := localization.Bundled()
	bot := telegram.NewBotService(msgs, e, texts, 8)
	e.SetNotifier(bot)
	return &testBot{bot: bot, engine: e, msgs: msgs, texts: texts}
}

func command(chatID int64, lang, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		Text: text,
		Chat: tgbotapi.Chat{ID: chatID},
		From: &tgbotapi.User{ID: chatID, LanguageCode: lang},
	}
	if len(text) > 0 && text[0] == '/' {
		length := len(text)
		for i, r := range text {
			if r == ' ' {
				length = i
				break
			}
		}
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: length}}
	}
	return tgbotapi.Update{Message: msg}
}

func (b *testBot) send(chatID int64, lang, text string) {
	b.bot.HandleUpdate(ctx, command(chatID, lang, text))
}

func TestStart_RegistersTelegramProfile(t *testing.T) {
	b := newTestBot(t)

	b.send(1, "uk-UA", "/start")

	profile, err := b.engine.GetProfile(ctx, telegram.ProfileID(1))
	require.NoError(t, err)
	assert.True(t, profile.Online)
	assert.Equal(t, int64(1), profile.TelegramChatID)
	assert.Equal(t, "uk-UA", profile.Locale)
	assert.Equal(t, []string{b.texts.GetString("uk", "welcome")}, b.msgs.received(1))
}

func TestSearchChatAndStop(t *testing.T) {
	b := newTestBot(t)
	b.send(1, "en", "/start")
	b.send(2, "en", "/start")

	b.send(1, "en", "/search")

	matchFound := b.texts.GetString("en", "match_found")
	assert.True(t, b.msgs.has(1, matchFound))
	assert.True(t, b.msgs.has(2, matchFound))
	assert.Equal(t, 2, b.bot.ClientCount())

	session, err := b.engine.FindActiveSession(ctx, telegram.ProfileID(2))
	require.NoError(t, err)

	b.send(1, "en", "hello there")
	require.Eventually(t, func() bool { return b.msgs.has(2, "hello there") }, time.Second, 5*time.Millisecond)
	assert.False(t, b.msgs.has(1, "hello there"), "own messages are not echoed")

	b.send(2, "en", "/search")
	assert.True(t, b.msgs.has(2, b.texts.GetString("en", "already_in_chat")))

	b.send(2, "en", "/stop")

	ended := b.texts.Format("en", "session_ended", b.texts.GetString("en", "reason_user_ended"))
	assert.True(t, b.msgs.has(1, ended))
	assert.True(t, b.msgs.has(2, ended))
	assert.Zero(t, b.bot.ClientCount())

	got, err := b.engine.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnded, got.Status)

	b.send(1, "en", "anyone?")
	assert.True(t, b.msgs.has(1, b.texts.GetString("en", "not_in_chat")))
}

func TestSearch_NoPartner(t *testing.T) {
	b := newTestBot(t)

	b.send(1, "en", "/search")

	assert.True(t, b.msgs.has(1, b.texts.GetString("en", "no_match")))
	assert.Zero(t, b.bot.ClientCount())
}

func TestSearch_PairedMeanwhileStaysQuiet(t *testing.T) {
	b := newTestBot(t)
	for _, chatID := range []int64{1, 2, 3} {
		b.send(chatID, "en", "/start")
	}
	var once sync.Once
	b.msgs.onSend = func(chatID int64, text string) {
		if chatID != 1 || text != b.texts.GetString("en", "searching") {
			return
		}
		once.Do(func() {
			_, err := b.engine.CreateSession(ctx, "", telegram.ProfileID(1), telegram.ProfileID(3), models.Preferences{}, models.Preferences{})
			require.NoError(t, err)
		})
	}

	b.send(1, "en", "/search")

	assert.True(t, b.msgs.has(1, b.texts.GetString("en", "match_found")))
	assert.False(t, b.msgs.has(1, b.texts.GetString("en", "no_match")))
	session, err := b.engine.FindActiveSession(ctx, telegram.ProfileID(1))
	require.NoError(t, err)
	assert.True(t, session.HasParticipant(telegram.ProfileID(3)))
	_, err = b.engine.FindActiveSession(ctx, telegram.ProfileID(2))
	assert.Error(t, err, "the offered partner stays free")
}

func TestReport_EndsSessionWithReason(t *testing.T) {
	b := newTestBot(t)
	b.send(1, "en", "/start")
	b.send(2, "en", "/start")
	b.send(1, "en", "/search")

	b.send(1, "en", "/report")
	assert.True(t, b.msgs.has(1, b.texts.GetString("en", "report_usage")))

	b.send(1, "en", "/report spam")

	assert.True(t, b.msgs.has(1, b.texts.GetString("en", "report_sent")))
	ended := b.texts.Format("en", "session_ended", b.texts.GetString("en", "reason_reported"))
	assert.True(t, b.msgs.has(2, ended))
	_, err := b.engine.FindActiveSession(ctx, telegram.ProfileID(1))
	assert.Error(t, err)
}

func TestBannedUserCannotSearch(t *testing.T) {
	b := newTestBot(t)
	b.send(1, "en", "/start")
	b.send(2, "en", "/start")
	require.NoError(t, b.engine.Ban(ctx, telegram.ProfileID(1), time.Hour))

	b.send(1, "en", "/search")

	assert.True(t, b.msgs.has(1, b.texts.GetString("en", "banned")))
	assert.Zero(t, b.bot.ClientCount())
}

func TestUnknownAndUnsupported(t *testing.T) {
	b := newTestBot(t)

	b.send(1, "en", "/dance")
	b.send(1, "en", "")
	b.send(1, "en", "/stop")

	assert.Equal(t, []string{
		b.texts.GetString("en", "unknown_command"),
		b.texts.GetString("en", "unsupported_message_type"),
		b.texts.GetString("en", "not_in_chat"),
	}, b.msgs.received(1))
}

func TestNotifyIgnoresNonTelegramUsers(t *testing.T) {
	b := newTestBot(t)
	for _, id := range []string{"web-a", "web-b"} {
		require.NoError(t, b.engine.RegisterProfile(ctx, &models.Profile{ID: id, Online: true}))
	}

	s, err := b.engine.CreateSession(ctx, "", "web-a", "web-b", models.Preferences{}, models.Preferences{})
	require.NoError(t, err)
	require.NoError(t, b.engine.EndSession(ctx, s.ID, models.EndTimeout, nil))

	assert.Zero(t, b.bot.ClientCount())
	assert.Empty(t, b.msgs.texts)
}
