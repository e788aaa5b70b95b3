package storage

import (
	"chatgogo/pairing/internal/apperrors"
	"chatgogo/pairing/internal/models"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	historyKeyPrefix = "history:"
	claimKeyPrefix   = "claim:"
	banKeyPrefix     = "ban:"

	// SessionChannelPrefix prefixes the pub/sub channel of every session.
	SessionChannelPrefix = "session:"
)

// releaseClaimScript deletes the claim only when it still names the given session.
var releaseClaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// confirmClaimScript removes the expiry only when the claim still names the given session.
var confirmClaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PERSIST", KEYS[1])
	return 1
end
return 0
`)

// AddPair records a match in both users' history sets.
func (s *Service) AddPair(ctx context.Context, userA, userB string) error {
	_, err := s.Redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, historyKeyPrefix+userA, userB)
		p.SAdd(ctx, historyKeyPrefix+userB, userA)
		return nil
	})
	if err != nil {
		return apperrors.Store(err, "add history pair")
	}
	return nil
}

// ListPartners returns everyone userID has been matched with.
func (s *Service) ListPartners(ctx context.Context, userID string) ([]string, error) {
	partners, err := s.Redis.SMembers(ctx, historyKeyPrefix+userID).Result()
	if err != nil {
		return nil, apperrors.Store(err, "list history")
	}
	return partners, nil
}

// HasPartner reports whether partnerID is in userID's history.
func (s *Service) HasPartner(ctx context.Context, userID, partnerID string) (bool, error) {
	ok, err := s.Redis.SIsMember(ctx, historyKeyPrefix+userID, partnerID).Result()
	if err != nil {
		return false, apperrors.Store(err, "check history")
	}
	return ok, nil
}

// ClearHistory empties userID's history and removes userID from every
// partner's set so the relation stays symmetric.
func (s *Service) ClearHistory(ctx context.Context, userID string) error {
	partners, err := s.ListPartners(ctx, userID)
	if err != nil {
		return err
	}
	_, err = s.Redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, partner := range partners {
			p.SRem(ctx, historyKeyPrefix+partner, userID)
		}
		p.Del(ctx, historyKeyPrefix+userID)
		return nil
	})
	if err != nil {
		return apperrors.Store(err, "clear history")
	}
	return nil
}

// Claim sets the user's claim with SETNX so only one session can win it.
// The key expires after ttl unless the claim is confirmed.
func (s *Service) Claim(ctx context.Context, userID, sessionID string, ttl time.Duration) (bool, error) {
	ok, err := s.Redis.SetNX(ctx, claimKeyPrefix+userID, sessionID, ttl).Result()
	if err != nil {
		return false, apperrors.Store(err, "claim user")
	}
	return ok, nil
}

// ConfirmClaim makes sessionID's claim permanent.
func (s *Service) ConfirmClaim(ctx context.Context, userID, sessionID string) (bool, error) {
	n, err := confirmClaimScript.Run(ctx, s.Redis, []string{claimKeyPrefix + userID}, sessionID).Int()
	if err != nil {
		return false, apperrors.Store(err, "confirm claim")
	}
	return n == 1, nil
}

// ReleaseClaim deletes the claim if sessionID still holds it.
func (s *Service) ReleaseClaim(ctx context.Context, userID, sessionID string) error {
	if err := releaseClaimScript.Run(ctx, s.Redis, []string{claimKeyPrefix + userID}, sessionID).Err(); err != nil {
		return apperrors.Store(err, "release claim")
	}
	return nil
}

// ClaimHolder returns the session currently holding userID's claim.
func (s *Service) ClaimHolder(ctx context.Context, userID string) (string, error) {
	sessionID, err := s.Redis.Get(ctx, claimKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Store(err, "get claim")
	}
	return sessionID, nil
}

// SetBan writes the ban key; the key expires when the ban does.
func (s *Service) SetBan(ctx context.Context, userID string, until time.Time) error {
	var ttl time.Duration
	if !until.IsZero() {
		ttl = time.Until(until)
		if ttl <= 0 {
			return s.ClearBan(ctx, userID)
		}
	}
	if err := s.Redis.Set(ctx, banKeyPrefix+userID, "active", ttl).Err(); err != nil {
		return apperrors.Store(err, "set ban")
	}
	return nil
}

// ClearBan lifts an explicit ban.
func (s *Service) ClearBan(ctx context.Context, userID string) error {
	if err := s.Redis.Del(ctx, banKeyPrefix+userID).Err(); err != nil {
		return apperrors.Store(err, "clear ban")
	}
	return nil
}

// IsFlagged checks the ban key in Redis. Expiry is handled by the key TTL.
func (s *Service) IsFlagged(ctx context.Context, userID string, _ time.Time) (bool, error) {
	status, err := s.Redis.Get(ctx, banKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Store(err, "check ban")
	}
	return status != "", nil
}

// PublishMessage publishes a relayed message on its session channel.
func (s *Service) PublishMessage(ctx context.Context, env models.RelayEnvelope) error {
	msgBytes, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := s.Redis.Publish(ctx, SessionChannelPrefix+env.Message.SessionID, string(msgBytes)).Err(); err != nil {
		return apperrors.Store(err, "publish message")
	}
	return nil
}

// SubscribeToSessions listens on every session channel.
func (s *Service) SubscribeToSessions(ctx context.Context) *redis.PubSub {
	return s.Redis.PSubscribe(ctx, SessionChannelPrefix+"*")
}
