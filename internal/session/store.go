package session

import (
	"context"
	"fmt"
	"time"

	"github.com/heartline/realtime/internal/domain"
	iredis "github.com/heartline/realtime/internal/redis"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// UserSessionsPrefix is the Redis key prefix for the set of a user's
	// session ids.
	UserSessionsPrefix = "user_sessions:"

	// DefaultTTL is the time-to-live for session keys in Redis.
	DefaultTTL = 2 * domain.HeartbeatInterval
)

// Session represents a connected session stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	UserID     int64  `redis:"user_id"`
	Server     string `redis:"server"`      // which WS server instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages the session directory in Redis.
type Store struct {
	client     iredis.Cmdable
	serverName string // identifier for this WS server instance
	ttl        time.Duration
	clock      domain.Clock
}

// NewStore creates a session directory. A non-positive ttl selects DefaultTTL.
func NewStore(client iredis.Cmdable, serverName string, ttl time.Duration, clock domain.Clock) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Store{client: client, serverName: serverName, ttl: ttl, clock: clock}
}

func sessionKey(sessionID string) string { return SessionPrefix + sessionID }

func userKey(userID domain.UserID) string { return UserSessionsPrefix + userID.String() }

// Create stores a new session and adds it to the user's session set.
func (s *Store) Create(ctx context.Context, sessionID string, userID domain.UserID) error {
	now := s.clock.Now().Unix()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, sessionKey(sessionID), map[string]interface{}{
		"id":          sessionID,
		"user_id":     int64(userID),
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, sessionKey(sessionID), s.ttl)
	pipe.SAdd(ctx, userKey(userID), sessionID)
	pipe.Expire(ctx, userKey(userID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w: %w", sessionID, domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	if err := s.client.HGetAll(ctx, sessionKey(sessionID)).Scan(&session); err != nil {
		return nil, fmt.Errorf("session: get %s: %w: %w", sessionID, domain.ErrStoreUnavailable, err)
	}
	if session.ID == "" {
		return nil, nil
	}
	return &session, nil
}

// RefreshTTL extends the session's TTL and records activity. It rides the
// heartbeat.
func (s *Store) RefreshTTL(ctx context.Context, sessionID string, userID domain.UserID) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, sessionKey(sessionID), "last_active", s.clock.Now().Unix())
	pipe.Expire(ctx, sessionKey(sessionID), s.ttl)
	pipe.Expire(ctx, userKey(userID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: refresh %s: %w: %w", sessionID, domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string, userID domain.UserID) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(sessionID))
	pipe.SRem(ctx, userKey(userID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete %s: %w: %w", sessionID, domain.ErrStoreUnavailable, err)
	}
	return nil
}

// UserOnline reports whether any of the user's sessions is still live on any
// node. Set members whose session hash has expired are pruned.
func (s *Store) UserOnline(ctx context.Context, userID domain.UserID) (bool, error) {
	ids, err := s.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("session: members %d: %w: %w", userID, domain.ErrStoreUnavailable, err)
	}

	online := false
	var stale []interface{}
	for _, id := range ids {
		n, err := s.client.Exists(ctx, sessionKey(id)).Result()
		if err != nil {
			return false, fmt.Errorf("session: exists %s: %w: %w", id, domain.ErrStoreUnavailable, err)
		}
		if n > 0 {
			online = true
		} else {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		// Best effort; a failed prune is retried on the next lookup.
		_ = s.client.SRem(ctx, userKey(userID), stale...).Err()
	}
	return online, nil
}
