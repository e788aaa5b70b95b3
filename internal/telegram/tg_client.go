package telegram

import (
	"chatgogo/pairing/internal/chathub"
	"chatgogo/pairing/internal/logger"
	"chatgogo/pairing/internal/models"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Messenger delivers plain texts to Telegram chats.
type Messenger interface {
	SendText(chatID int64, text string) error
}

type botMessenger struct {
	api *tgbotapi.BotAPI
}

// NewMessenger sends through the Bot API client.
func NewMessenger(api *tgbotapi.BotAPI) Messenger {
	return &botMessenger{api: api}
}

func (m *botMessenger) SendText(chatID int64, text string) error {
	_, err := m.api.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

// Client forwards a session's messages to one participant's Telegram chat.
// Reading is done centrally by BotService, so only the write side runs here.
type Client struct {
	UserID    string
	SessionID string
	ChatID    int64
	Messenger Messenger
	Send      chan models.Message

	// Unsubscribe detaches the client from the relay; set by the caller.
	Unsubscribe func()

	done      chan struct{}
	closeOnce sync.Once
}

var _ chathub.Client = (*Client)(nil)

func NewClient(m Messenger, userID, sessionID string, chatID int64, buffer int) *Client {
	if buffer < 1 {
		buffer = 1
	}
	return &Client{
		UserID:    userID,
		SessionID: sessionID,
		ChatID:    chatID,
		Messenger: m,
		Send:      make(chan models.Message, buffer),
		done:      make(chan struct{}),
	}
}

func (c *Client) GetUserID() string                     { return c.UserID }
func (c *Client) GetSessionID() string                  { return c.SessionID }
func (c *Client) GetSendChannel() chan<- models.Message { return c.Send }

// Deliver is the relay callback. It blocks until msg is queued or the
// client is closed.
func (c *Client) Deliver(msg models.Message) {
	select {
	case c.Send <- msg:
	case <-c.done:
	}
}

// Run starts the write pump.
func (c *Client) Run() {
	go c.writePump()
}

// Close stops the pump and detaches from the relay.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.Unsubscribe != nil {
			c.Unsubscribe()
		}
	})
}

// writePump sends the partner's messages to the chat. The user's own
// messages and system notices are skipped; the bot announces session
// events itself in the user's language.
func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.Send:
			if msg.SenderID == c.UserID || msg.Type == models.MessageSystem {
				continue
			}
			if err := c.Messenger.SendText(c.ChatID, msg.Content); err != nil {
				logger.Error("Failed to send Telegram message", "chat_id", c.ChatID, "session_id", c.SessionID, "error", err)
			}
		}
	}
}
