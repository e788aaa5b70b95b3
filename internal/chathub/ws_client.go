package chathub

import (
	"chatgogo/pairing/internal/apperrors"
	"chatgogo/pairing/internal/logger"
	"chatgogo/pairing/internal/models"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// MessageSender appends a participant's message to a session.
type MessageSender interface {
	SendMessage(ctx context.Context, sessionID, senderID, content string, msgType models.MessageType) (*models.Message, error)
}

// IncomingFrame is what a WebSocket client writes.
type IncomingFrame struct {
	Content string             `json:"content"`
	Type    models.MessageType `json:"type,omitempty"`
}

// ErrorFrame is written back when a frame is rejected.
type ErrorFrame struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WebSocketClient follows one session over a WebSocket connection.
// Frames read from the socket are sent through Sender; messages of the
// session arrive on Send and are written to the socket.
type WebSocketClient struct {
	UserID    string
	SessionID string
	Conn      *websocket.Conn
	Sender    MessageSender
	Send      chan models.Message

	// Unsubscribe detaches the client from the relay; set by the caller.
	Unsubscribe func()

	errs      chan ErrorFrame
	done      chan struct{}
	closeOnce sync.Once
}

var _ Client = (*WebSocketClient)(nil)

// NewWebSocketClient wraps conn for userID in sessionID.
func NewWebSocketClient(conn *websocket.Conn, sender MessageSender, userID, sessionID string, buffer int) *WebSocketClient {
	if buffer < 1 {
		buffer = 1
	}
	return &WebSocketClient{
		UserID:    userID,
		SessionID: sessionID,
		Conn:      conn,
		Sender:    sender,
		Send:      make(chan models.Message, buffer),
		errs:      make(chan ErrorFrame, 1),
		done:      make(chan struct{}),
	}
}

func (c *WebSocketClient) GetUserID() string                     { return c.UserID }
func (c *WebSocketClient) GetSessionID() string                  { return c.SessionID }
func (c *WebSocketClient) GetSendChannel() chan<- models.Message { return c.Send }

// Deliver queues msg for writing. It is meant as the relay callback and
// returns once the message is queued or the client is closed.
func (c *WebSocketClient) Deliver(msg models.Message) {
	select {
	case c.Send <- msg:
	case <-c.done:
	}
}

// Run starts the read and write pumps.
func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

// Close stops both pumps and detaches from the relay. Send is never closed,
// so a late Deliver cannot panic.
func (c *WebSocketClient) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.Unsubscribe != nil {
			c.Unsubscribe()
		}
		c.Conn.Close()
	})
}

// Done is closed once the client shuts down.
func (c *WebSocketClient) Done() <-chan struct{} {
	return c.done
}

func (c *WebSocketClient) readPump() {
	defer c.Close()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket read failed", "user_id", c.UserID, "error", err)
			}
			return
		}

		var frame IncomingFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Debug("Error decoding JSON from client", "user_id", c.UserID, "error", err)
			c.reject(apperrors.Validation("malformed frame"))
			continue
		}

		_, err = c.Sender.SendMessage(context.Background(), c.SessionID, c.UserID, frame.Content, frame.Type)
		if err != nil {
			c.reject(err)
			if errors.Is(err, apperrors.ErrSessionNotActive) {
				return
			}
		}
	}
}

func (c *WebSocketClient) reject(err error) {
	frame := ErrorFrame{Error: err.Error(), Code: apperrors.CodeOf(err)}
	select {
	case c.errs <- frame:
	default:
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteJSON(msg); err != nil {
				return
			}

		case frame := <-c.errs:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteJSON(frame); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
