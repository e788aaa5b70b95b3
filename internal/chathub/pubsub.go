package chathub

import (
	"chatgogo/pairing/internal/logger"
	"chatgogo/pairing/internal/models"
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// StartPubSubListener delivers messages published by other instances to the
// local subscribers. It returns immediately; the listener stops and closes
// pubsub when ctx is cancelled.
func (r *RelayService) StartPubSubListener(ctx context.Context, pubsub *redis.PubSub) {
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		logger.Info("Relay pub/sub listener started", "instance_id", r.InstanceID)

		for {
			select {
			case <-ctx.Done():
				logger.Info("Relay pub/sub listener stopped")
				return
			case msg, ok := <-ch:
				if !ok {
					logger.Warn("Relay pub/sub channel closed")
					return
				}
				r.handleRemote([]byte(msg.Payload))
			}
		}
	}()
}

// handleRemote decodes one envelope and delivers it unless this instance
// sent it. A closing envelope also drops the session's local subscribers.
func (r *RelayService) handleRemote(payload []byte) {
	var env models.RelayEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logger.Error("Error unmarshalling relayed message", "error", err)
		return
	}
	if env.Origin == r.InstanceID {
		return
	}
	sessionID := env.Message.SessionID
	if env.Closing {
		defer r.CloseSession(sessionID)
	}
	if r.SubscriberCount(sessionID) == 0 {
		return
	}

	// Remote messages share the lane with local appends to keep delivery ordered.
	l := r.laneFor(sessionID)
	l.mu.Lock()
	if env.Message.Timestamp.After(l.last) {
		l.last = env.Message.Timestamp
	}
	r.deliver(env.Message)
	l.mu.Unlock()
}
