package handler

import (
	"chatgogo/pairing/internal/apperrors"
	"chatgogo/pairing/internal/chathub"
	"chatgogo/pairing/internal/logger"
	"chatgogo/pairing/internal/models"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: restrict origins once the web client's domain is fixed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWebSocket upgrades the request and streams the session's messages.
// Frames written by the client are sent as the caller's messages.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	session, ok := h.participantSession(c)
	if !ok {
		return
	}
	if session.Status != models.SessionActive {
		respondError(c, apperrors.ErrSessionNotActive)
		return
	}
	anonID := currentUser(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("Failed to upgrade connection", "user_id", anonID, "error", err)
		return
	}

	client := chathub.NewWebSocketClient(conn, h.Engine, anonID, session.ID, h.WSBuffer)
	unsubscribe, err := h.Engine.SubscribeToSessionMessages(c.Request.Context(), session.ID, client.Deliver)
	if err != nil {
		logger.Error("Failed to subscribe client", "session_id", session.ID, "error", err)
		conn.Close()
		return
	}
	client.Unsubscribe = unsubscribe

	logger.Debug("WebSocket client connected", "user_id", anonID, "session_id", session.ID)
	client.Run()
}
