package engine_test

import (
	"chatgogo/pairing/internal/apperrors"
	"chatgogo/pairing/internal/config"
	"chatgogo/pairing/internal/engine"
	"chatgogo/pairing/internal/models"
	"chatgogo/pairing/internal/storage"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

type firstPick struct{}

func (firstPick) Intn(int) int { return 0 }

// recordingNotifier remembers which sessions it was told about.
type recordingNotifier struct {
	mu      sync.Mutex
	matched []string
	ended   []string
}

func (n *recordingNotifier) NotifyMatch(_ context.Context, s *models.Session) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.matched = append(n.matched, s.ID)
	return nil
}

func (n *recordingNotifier) NotifyEnded(_ context.Context, s *models.Session) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ended = append(n.ended, s.ID)
	return nil
}

func newEngine(t *testing.T) (*engine.Engine, *storage.MemoryStore) {
	t.Helper()
	cfg := config.Default()
	cfg.Matching.SearchTimeout = 200 * time.Millisecond
	cfg.Matching.SearchBackoff = 10 * time.Millisecond
	store := storage.NewMemoryStore()
	return engine.New(store, nil, cfg, firstPick{}), store
}

func register(t *testing.T, e *engine.Engine, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, e.RegisterProfile(ctx, &models.Profile{
			ID:            id,
			AgeBracket:    "18-24",
			LocationScope: models.LocationGlobal,
			Language:      "en",
			Online:        true,
		}))
	}
}

func TestMatchThenSession(t *testing.T) {
	e, _ := newEngine(t)
	n := &recordingNotifier{}
	e.SetNotifier(n)
	register(t, e, "a", "b")

	partner, err := e.FindMatch(ctx, "a", nil)
	require.NoError(t, err)
	require.Equal(t, "b", partner.ID)

	s, err := e.CreateSession(ctx, "", "a", partner.ID, models.Preferences{}, models.Preferences{})
	require.NoError(t, err)
	assert.Equal(t, []string{s.ID}, n.matched)

	_, err = e.CreateSession(ctx, "", "a", "c", models.Preferences{}, models.Preferences{})
	assert.ErrorIs(t, err, apperrors.ErrAlreadyInSession)

	require.NoError(t, e.EndSession(ctx, s.ID, models.EndUserEnded, nil))
	require.NoError(t, e.EndSession(ctx, s.ID, models.EndUserEnded, nil))
	assert.Equal(t, []string{s.ID}, n.ended)

	msgs, err := e.GetMessages(ctx, s.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "ending announces itself once")
	assert.Equal(t, models.MessageSystem, msgs[0].Type)
}

func TestCreateMatchedSession_RequiresEarlierMatch(t *testing.T) {
	e, _ := newEngine(t)
	register(t, e, "a", "b", "intruder")

	_, err := e.CreateMatchedSession(ctx, "", "intruder", "a", models.Preferences{}, models.Preferences{})
	require.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = e.FindActiveSession(ctx, "a")
	assert.ErrorIs(t, err, apperrors.ErrNotFound, "an unmatched request must not claim the partner")

	partner, err := e.FindMatch(ctx, "b", nil)
	require.NoError(t, err)
	require.Equal(t, "a", partner.ID)
	s, err := e.CreateMatchedSession(ctx, "", "a", "b", models.Preferences{}, models.Preferences{})
	require.NoError(t, err)
	assert.True(t, s.HasParticipant("a"))
}

func TestReportedThreeTimesIsBanned(t *testing.T) {
	e, _ := newEngine(t)
	register(t, e, "target", "r1", "r2", "r3", "friend")

	for _, reporter := range []string{"r1", "r2", "r3"} {
		_, err := e.ReportUser(ctx, reporter, "target", "spam", "", "")
		require.NoError(t, err)
	}

	banned, err := e.IsBanned(ctx, "target")
	require.NoError(t, err)
	assert.True(t, banned)

	_, err = e.CreateSession(ctx, "", "target", "friend", models.Preferences{}, models.Preferences{})
	assert.ErrorIs(t, err, apperrors.ErrUserBanned)
	_, err = e.CreateSession(ctx, "", "friend", "target", models.Preferences{}, models.Preferences{})
	assert.ErrorIs(t, err, apperrors.ErrUserBanned)
}

func TestReportUser_EndsSharedSession(t *testing.T) {
	e, _ := newEngine(t)
	register(t, e, "a", "b")
	s, err := e.CreateSession(ctx, "", "a", "b", models.Preferences{}, models.Preferences{})
	require.NoError(t, err)

	report, err := e.ReportUser(ctx, "a", "b", "harassment", "rude words", s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, report.SessionID)

	got, err := e.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnded, got.Status)
	assert.Equal(t, models.EndReported, got.EndReason)
}

func TestSearch_TimesOutWithNoMatch(t *testing.T) {
	e, _ := newEngine(t)
	register(t, e, "lonely")

	start := time.Now()
	_, err := e.Search(ctx, "lonely", nil)

	assert.ErrorIs(t, err, apperrors.ErrNoMatchFound)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSearch_FindsPartnerThatArrivesLater(t *testing.T) {
	e, _ := newEngine(t)
	register(t, e, "early")
	require.NoError(t, e.RegisterProfile(ctx, &models.Profile{ID: "late", Language: "en"}))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = e.SetPresence(ctx, "late", true)
	}()

	partner, err := e.Search(ctx, "early", nil)

	require.NoError(t, err)
	assert.Equal(t, "late", partner.ID)
}

func TestSearch_StopsOnCancel(t *testing.T) {
	e, _ := newEngine(t)
	register(t, e, "lonely")
	cctx, cancel := context.WithCancel(ctx)
	cancel()

	_, err := e.Search(cctx, "lonely", nil)

	assert.ErrorIs(t, err, apperrors.ErrNoMatchFound)
}

func TestSetPresence_OfflineEndsSession(t *testing.T) {
	e, _ := newEngine(t)
	register(t, e, "a", "b")
	s, err := e.CreateSession(ctx, "", "a", "b", models.Preferences{}, models.Preferences{})
	require.NoError(t, err)

	require.NoError(t, e.SetPresence(ctx, "b", false))

	got, _ := e.GetSession(ctx, s.ID)
	assert.Equal(t, models.SessionEnded, got.Status)
	assert.Equal(t, models.EndConnectionLost, got.EndReason)

	profile, _ := e.GetProfile(ctx, "b")
	assert.False(t, profile.Online)

	assert.NoError(t, e.SetPresence(ctx, "a", false), "no active session is fine")
}

func TestMessagingThroughTheEngine(t *testing.T) {
	e, _ := newEngine(t)
	register(t, e, "a", "b")
	s, err := e.CreateSession(ctx, "", "a", "b", models.Preferences{}, models.Preferences{})
	require.NoError(t, err)

	received := make(chan models.Message, 4)
	unsubscribe, err := e.SubscribeToSessionMessages(ctx, s.ID, func(m models.Message) { received <- m })
	require.NoError(t, err)
	defer unsubscribe()

	_, err = e.SendMessage(ctx, s.ID, "a", "hello", "")
	require.NoError(t, err)

	select {
	case m := <-received:
		assert.Equal(t, "hello", m.Content)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, e.Heartbeat(ctx, s.ID, "b"))
	assert.ErrorIs(t, e.Heartbeat(ctx, s.ID, "stranger"), apperrors.ErrSessionNotActive)
	assert.ErrorIs(t, e.Heartbeat(ctx, "missing", "a"), apperrors.ErrSessionNotActive)

	_, err = e.SubscribeToSessionMessages(ctx, "missing", func(models.Message) {})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGetUserStats(t *testing.T) {
	e, _ := newEngine(t)
	register(t, e, "a", "b", "c", "d")

	_, err := e.FindMatch(ctx, "a", nil)
	require.NoError(t, err)

	stats, err := e.GetUserStats(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalMatches)
	assert.Equal(t, 4, stats.OnlineUsers)
	assert.Equal(t, 2, stats.PotentialMatches)

	require.NoError(t, e.ClearHistory(ctx, "a"))
	stats, err = e.GetUserStats(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, stats.TotalMatches)
	assert.Equal(t, 3, stats.PotentialMatches)
}

func TestBan_EndsActiveSession(t *testing.T) {
	e, _ := newEngine(t)
	register(t, e, "a", "b")
	s, err := e.CreateSession(ctx, "", "a", "b", models.Preferences{}, models.Preferences{})
	require.NoError(t, err)

	require.NoError(t, e.Ban(ctx, "b", time.Hour))

	got, _ := e.GetSession(ctx, s.ID)
	assert.Equal(t, models.SessionEnded, got.Status)
	banned, _ := e.IsBanned(ctx, "b")
	assert.True(t, banned)

	require.NoError(t, e.Unban(ctx, "b"))
	banned, _ = e.IsBanned(ctx, "b")
	assert.False(t, banned)
}

func TestSweep_FreesParticipants(t *testing.T) {
	e, _ := newEngine(t)
	register(t, e, "a", "b")
	start := time.Now()
	e.Manager.Now = func() time.Time { return start }
	_, err := e.CreateSession(ctx, "", "a", "b", models.Preferences{}, models.Preferences{})
	require.NoError(t, err)

	e.Manager.Now = func() time.Time { return start.Add(time.Hour) }
	n, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, u := range []string{"a", "b"} {
		_, err := e.FindActiveSession(ctx, u)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	}
}

func TestRegisterProfile_Validation(t *testing.T) {
	e, _ := newEngine(t)

	err := e.RegisterProfile(ctx, &models.Profile{AgeBracket: "7-9"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	err = e.RegisterProfile(ctx, &models.Profile{LocationScope: "mars"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	p := &models.Profile{AgeBracket: "18-24"}
	require.NoError(t, e.RegisterProfile(ctx, p))
	assert.NotEmpty(t, p.ID)
}
