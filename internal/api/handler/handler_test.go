package handler_test

import (
	"bytes"
	"chatgogo/pairing/internal/api/handler"
	"chatgogo/pairing/internal/config"
	"chatgogo/pairing/internal/engine"
	"chatgogo/pairing/internal/models"
	"chatgogo/pairing/internal/storage"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testUser struct {
	ID    string
	Token string
}

type testAPI struct {
	t      *testing.T
	router *gin.Engine
	engine *engine.Engine
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Matching.SearchTimeout = 50 * time.Millisecond
	cfg.Matching.SearchBackoff = 10 * time.Millisecond
	e := engine.New(storage.NewMemoryStore(), nil, cfg, nil)

	r := gin.New()
	handler.NewHandler(e, handler.NewAuthenticator(testSecret, time.Hour), 8).Register(r)
	return &testAPI{t: t, router: r, engine: e}
}

func (a *testAPI) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst))
}

// newUser obtains an identity, saves a profile and goes online.
func (a *testAPI) newUser() testUser {
	a.t.Helper()
	w := a.do(http.MethodGet, "/anonid", "", nil)
	require.Equal(a.t, http.StatusOK, w.Code)
	var resp struct {
		Token  string `json:"token"`
		AnonID string `json:"anon_id"`
	}
	decode(a.t, w, &resp)

	w = a.do(http.MethodPut, "/profile", resp.Token, map[string]interface{}{
		"age_bracket":    "25-34",
		"location_scope": "country",
		"language":       "en",
		"interests":      []string{"music"},
	})
	require.Equal(a.t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(http.MethodPost, "/presence", resp.Token, map[string]bool{"online": true})
	require.Equal(a.t, http.StatusOK, w.Code)
	return testUser{ID: resp.AnonID, Token: resp.Token}
}

// pair records an earlier match between u1 and u2 and opens their session.
func (a *testAPI) pair(u1, u2 testUser) models.Session {
	a.t.Helper()
	require.NoError(a.t, a.engine.Store.AddPair(context.Background(), u1.ID, u2.ID))
	w := a.do(http.MethodPost, "/sessions", u1.Token, map[string]string{"partner_id": u2.ID})
	require.Equal(a.t, http.StatusCreated, w.Code, w.Body.String())
	var s models.Session
	decode(a.t, w, &s)
	return s
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decode(t, w, &body)
	return body["code"]
}

func TestAuthRequired(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(http.MethodGet, "/profile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = api.do(http.MethodGet, "/profile", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	other := handler.NewAuthenticator("another-secret-another-secret-xx", time.Hour)
	forged, err := other.GenerateToken("someone")
	require.NoError(t, err)
	w = api.do(http.MethodGet, "/profile", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticator_Expiry(t *testing.T) {
	auth := handler.NewAuthenticator(testSecret, time.Minute)
	issued := time.Now()
	auth.Now = func() time.Time { return issued }
	token, err := auth.GenerateToken("anon")
	require.NoError(t, err)

	id, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "anon", id)

	auth.Now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = auth.ValidateToken(token)
	assert.Error(t, err)
}

func TestMatchSessionMessageFlow(t *testing.T) {
	api := newTestAPI(t)
	alice := api.newUser()
	bob := api.newUser()

	w := api.do(http.MethodPost, "/match", alice.Token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var match map[string]string
	decode(t, w, &match)
	assert.Equal(t, bob.ID, match["partner_id"])

	session := api.pair(alice, bob)

	w = api.do(http.MethodPost, "/sessions", bob.Token, map[string]string{"partner_id": alice.ID})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_IN_SESSION", errorCode(t, w))

	w = api.do(http.MethodPost, "/sessions/"+session.ID+"/messages", bob.Token, map[string]string{"content": "hi alice"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = api.do(http.MethodGet, "/sessions/"+session.ID+"/messages?limit=10", alice.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var transcript struct {
		Messages []models.Message `json:"messages"`
	}
	decode(t, w, &transcript)
	require.Len(t, transcript.Messages, 1)
	assert.Equal(t, "hi alice", transcript.Messages[0].Content)

	w = api.do(http.MethodPost, "/sessions/"+session.ID+"/heartbeat", alice.Token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = api.do(http.MethodGet, "/sessions/active", alice.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = api.do(http.MethodGet, "/rooms/"+session.RoomID+"/session", bob.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = api.do(http.MethodPost, "/sessions/"+session.ID+"/end", alice.Token, map[string]interface{}{
		"reason":  "user_ended",
		"quality": map[string]interface{}{"rating": "good"},
	})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = api.do(http.MethodPost, "/sessions/"+session.ID+"/end", bob.Token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code, "ending twice is not an error")

	w = api.do(http.MethodPost, "/sessions/"+session.ID+"/messages", bob.Token, map[string]string{"content": "still there?"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "SESSION_NOT_ACTIVE", errorCode(t, w))

	w = api.do(http.MethodGet, "/stats", alice.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats models.UserStats
	decode(t, w, &stats)
	assert.Equal(t, 1, stats.TotalMatches)
	assert.Equal(t, 2, stats.OnlineUsers)
	assert.Zero(t, stats.PotentialMatches)

	w = api.do(http.MethodDelete, "/history", alice.Token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestForeignSessionIsRejected(t *testing.T) {
	api := newTestAPI(t)
	alice, bob, eve := api.newUser(), api.newUser(), api.newUser()
	session := api.pair(alice, bob)

	w := api.do(http.MethodGet, "/sessions/"+session.ID+"/messages", eve.Token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do(http.MethodPost, "/sessions/"+session.ID+"/end", eve.Token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do(http.MethodGet, "/sessions/unknown", eve.Token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNoMatchAndValidation(t *testing.T) {
	api := newTestAPI(t)
	alone := api.newUser()

	w := api.do(http.MethodPost, "/match", alone.Token, map[string]bool{"wait": true})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NO_MATCH_FOUND", errorCode(t, w))

	w = api.do(http.MethodPost, "/match", alone.Token, map[string]interface{}{
		"preferences": map[string]string{"age_bracket": "1-2"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, w))

	w = api.do(http.MethodPut, "/profile", alone.Token, map[string]string{"location_scope": "orbit"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(http.MethodGet, "/sessions/x/messages?limit=abc", alone.Token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateSession_RequiresMatchedPartner(t *testing.T) {
	api := newTestAPI(t)
	alice, bob, mallory := api.newUser(), api.newUser(), api.newUser()

	w := api.do(http.MethodPost, "/sessions", mallory.Token, map[string]string{"partner_id": alice.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, w))

	w = api.do(http.MethodGet, "/sessions/active", alice.Token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "alice stays free")

	session := api.pair(alice, bob)
	assert.True(t, session.HasParticipant(alice.ID))
}

func TestReportsLeadToBan(t *testing.T) {
	api := newTestAPI(t)
	target := api.newUser()
	friend := api.newUser()

	for i := 0; i < 3; i++ {
		reporter := api.newUser()
		w := api.do(http.MethodPost, "/reports", reporter.Token, map[string]string{
			"reported_id": target.ID,
			"reason":      "spam",
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := api.do(http.MethodGet, "/users/"+target.ID+"/banned", friend.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]bool
	decode(t, w, &resp)
	assert.True(t, resp["banned"])

	w = api.do(http.MethodPost, "/sessions", target.Token, map[string]string{"partner_id": friend.ID})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "USER_BANNED", errorCode(t, w))

	w = api.do(http.MethodPost, "/reports", friend.Token, map[string]string{"reported_id": friend.ID, "reason": "spam"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebSocketRelay(t *testing.T) {
	api := newTestAPI(t)
	alice, bob := api.newUser(), api.newUser()
	session := api.pair(alice, bob)

	srv := httptest.NewServer(api.router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/" + session.ID + "/ws?token="

	aliceConn, _, err := websocket.DefaultDialer.Dial(wsURL+alice.Token, nil)
	require.NoError(t, err)
	defer aliceConn.Close()
	bobConn, _, err := websocket.DefaultDialer.Dial(wsURL+bob.Token, nil)
	require.NoError(t, err)
	defer bobConn.Close()

	require.Eventually(t, func() bool {
		return api.engine.Relay.SubscriberCount(session.ID) == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, aliceConn.WriteJSON(map[string]string{"content": "hello bob"}))

	require.NoError(t, bobConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got models.Message
	require.NoError(t, bobConn.ReadJSON(&got))
	assert.Equal(t, "hello bob", got.Content)
	assert.Equal(t, alice.ID, got.SenderID)

	_, _, err = websocket.DefaultDialer.Dial(wsURL+"bad", nil)
	assert.Error(t, err, "an invalid token must not upgrade")
}
