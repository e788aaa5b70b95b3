package handler

import (
	"chatgogo/pairing/internal/apperrors"
	"chatgogo/pairing/internal/engine"
	"chatgogo/pairing/internal/logger"
	"chatgogo/pairing/internal/models"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes the engine over HTTP.
type Handler struct {
	Engine   *engine.Engine
	Auth     *Authenticator
	WSBuffer int
}

func NewHandler(e *engine.Engine, auth *Authenticator, wsBuffer int) *Handler {
	return &Handler{Engine: e, Auth: auth, WSBuffer: wsBuffer}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/anonid", h.GetAnonID)

	api := r.Group("/", h.RequireAuth())
	api.PUT("/profile", h.SaveProfile)
	api.GET("/profile", h.GetProfile)
	api.POST("/presence", h.SetPresence)
	api.GET("/stats", h.GetStats)
	api.DELETE("/history", h.ClearHistory)

	api.POST("/match", h.FindMatch)

	api.POST("/sessions", h.CreateSession)
	api.GET("/sessions/active", h.GetActiveSession)
	api.GET("/rooms/:roomID/session", h.GetSessionByRoom)
	api.GET("/sessions/:id", h.GetSession)
	api.POST("/sessions/:id/end", h.EndSession)
	api.POST("/sessions/:id/heartbeat", h.Heartbeat)
	api.POST("/sessions/:id/messages", h.SendMessage)
	api.GET("/sessions/:id/messages", h.GetMessages)
	api.GET("/sessions/:id/ws", h.ServeWebSocket)

	api.POST("/reports", h.ReportUser)
	api.GET("/users/:id/banned", h.IsBanned)
}

// statusFor maps an error code to the HTTP status returned to clients.
func statusFor(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeValidation:
		return http.StatusBadRequest
	case apperrors.CodeNotFound, apperrors.CodeNoMatchFound:
		return http.StatusNotFound
	case apperrors.CodeAlreadyInSession, apperrors.CodeSessionNotActive:
		return http.StatusConflict
	case apperrors.CodeUserBanned:
		return http.StatusForbidden
	case apperrors.CodeStore:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "path", c.FullPath(), "error", err)
	}
	body := gin.H{"error": err.Error()}
	if code := apperrors.CodeOf(err); code != "" {
		body["code"] = code
	}
	c.AbortWithStatusJSON(status, body)
}

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, apperrors.Validation("invalid request body: %v", err))
		return false
	}
	return true
}

// participantSession loads the :id session and checks the caller takes part in it.
func (h *Handler) participantSession(c *gin.Context) (*models.Session, bool) {
	session, err := h.Engine.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if !session.HasParticipant(currentUser(c)) {
		respondError(c, apperrors.ErrSessionNotActive)
		return nil, false
	}
	return session, true
}

// --- Profile & presence ---

type profileRequest struct {
	AgeBracket     string               `json:"age_bracket"`
	LocationScope  models.LocationScope `json:"location_scope"`
	Language       string               `json:"language"`
	Interests      []string             `json:"interests"`
	Preferences    models.Preferences   `json:"preferences"`
	Locale         string               `json:"locale"`
	TelegramChatID int64                `json:"telegram_chat_id"`
}

func (h *Handler) SaveProfile(c *gin.Context) {
	var req profileRequest
	if !bindJSON(c, &req) {
		return
	}
	profile := &models.Profile{
		ID:             currentUser(c),
		AgeBracket:     req.AgeBracket,
		LocationScope:  req.LocationScope,
		Language:       req.Language,
		Interests:      req.Interests,
		Preferences:    req.Preferences,
		Locale:         req.Locale,
		TelegramChatID: req.TelegramChatID,
	}
	if existing, err := h.Engine.GetProfile(c.Request.Context(), profile.ID); err == nil {
		profile.Online = existing.Online
		profile.LastSeen = existing.LastSeen
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		respondError(c, err)
		return
	}
	if err := h.Engine.RegisterProfile(c.Request.Context(), profile); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *Handler) GetProfile(c *gin.Context) {
	profile, err := h.Engine.GetProfile(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

type presenceRequest struct {
	Online bool `json:"online"`
}

func (h *Handler) SetPresence(c *gin.Context) {
	var req presenceRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.Engine.SetPresence(c.Request.Context(), currentUser(c), req.Online); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": req.Online})
}

func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.Engine.GetUserStats(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) ClearHistory(c *gin.Context) {
	if err := h.Engine.ClearHistory(c.Request.Context(), currentUser(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Matching ---

type matchRequest struct {
	Preferences *models.Preferences `json:"preferences"`
	// Wait keeps searching until a partner appears or the search times out.
	Wait bool `json:"wait"`
}

func (h *Handler) FindMatch(c *gin.Context) {
	var req matchRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	find := h.Engine.FindMatch
	if req.Wait {
		find = h.Engine.Search
	}
	partner, err := find(c.Request.Context(), currentUser(c), req.Preferences)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"partner_id": partner.ID})
}

// --- Sessions ---

type createSessionRequest struct {
	RoomID       string             `json:"room_id"`
	PartnerID    string             `json:"partner_id" binding:"required"`
	Preferences  models.Preferences `json:"preferences"`
	PartnerPrefs models.Preferences `json:"partner_preferences"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if !bindJSON(c, &req) {
		return
	}
	session, err := h.Engine.CreateMatchedSession(c.Request.Context(), req.RoomID, currentUser(c), req.PartnerID, req.Preferences, req.PartnerPrefs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *Handler) GetActiveSession(c *gin.Context) {
	session, err := h.Engine.FindActiveSession(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) GetSessionByRoom(c *gin.Context) {
	session, err := h.Engine.FindSessionByRoom(c.Request.Context(), c.Param("roomID"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !session.HasParticipant(currentUser(c)) {
		respondError(c, apperrors.ErrSessionNotActive)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) GetSession(c *gin.Context) {
	session, ok := h.participantSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session)
}

type endSessionRequest struct {
	Reason  models.EndReason          `json:"reason"`
	Quality *models.ConnectionQuality `json:"quality"`
}

func (h *Handler) EndSession(c *gin.Context) {
	var req endSessionRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	session, ok := h.participantSession(c)
	if !ok {
		return
	}
	if err := h.Engine.EndSession(c.Request.Context(), session.ID, req.Reason, req.Quality); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Heartbeat(c *gin.Context) {
	if err := h.Engine.Heartbeat(c.Request.Context(), c.Param("id"), currentUser(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Messages ---

type sendMessageRequest struct {
	Content string             `json:"content"`
	Type    models.MessageType `json:"type"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if !bindJSON(c, &req) {
		return
	}
	msg, err := h.Engine.SendMessage(c.Request.Context(), c.Param("id"), currentUser(c), req.Content, req.Type)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) GetMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(c, apperrors.Validation("limit must be an integer"))
			return
		}
		limit = n
	}
	session, ok := h.participantSession(c)
	if !ok {
		return
	}
	msgs, err := h.Engine.GetMessages(c.Request.Context(), session.ID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// --- Moderation ---

type reportRequest struct {
	ReportedID  string `json:"reported_id" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
	Description string `json:"description"`
	SessionID   string `json:"session_id"`
}

func (h *Handler) ReportUser(c *gin.Context) {
	var req reportRequest
	if !bindJSON(c, &req) {
		return
	}
	report, err := h.Engine.ReportUser(c.Request.Context(), currentUser(c), req.ReportedID, req.Reason, req.Description, req.SessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, report)
}

func (h *Handler) IsBanned(c *gin.Context) {
	banned, err := h.Engine.IsBanned(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"banned": banned})
}
