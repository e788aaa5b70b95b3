package chathub

import "chatgogo/pairing/internal/models"

// Client is one live connection following a session, whatever the transport.
type Client interface {
	// GetUserID returns the participant the connection belongs to.
	GetUserID() string
	// GetSessionID returns the session the connection follows.
	GetSessionID() string

	// GetSendChannel returns the channel the relay subscription writes to.
	GetSendChannel() chan<- models.Message

	// Run starts the connection's read and write loops.
	Run()
	// Close shuts the connection down.
	Close()
}
