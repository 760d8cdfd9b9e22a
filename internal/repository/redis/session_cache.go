package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"keyauth-service/internal/client"
	"keyauth-service/internal/models"
	"keyauth-service/internal/util"
)

const (
	activeSessionPrefix = "active_session:"
	sessionDataPrefix   = "session_data:"
	userSessionsPrefix  = "user_sessions:"
)

// Session is the cached login-session record handed out after a
// successful challenge-response authentication.
type Session struct {
	SessionID  string    `json:"session_id"`
	IdentityID string    `json:"identity_id"`
	Email      string    `json:"email"`
	DeviceName string    `json:"device_name"`
	IP         string    `json:"ip"`
	CreatedAt  time.Time `json:"created_at"`
}

// SessionCache tracks login sessions in Redis. Each identity has one
// active session pointer plus a set of session IDs for whole-account
// invalidation.
type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

// CreateSessionForIdentity stores a new session, marks it as the
// identity's active one, and carries the email so later requests can act
// on the account without a store lookup.
func (c *SessionCache) CreateSessionForIdentity(ctx context.Context, record *models.Identity, deviceName, ip string, ttl time.Duration) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	identityID := record.IdentityID
	session := &Session{
		SessionID:  uuid.New().String(),
		IdentityID: identityID,
		Email:      record.Email,
		DeviceName: deviceName,
		IP:         ip,
		CreatedAt:  time.Now().UTC(),
	}

	jsonData, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, activeSessionPrefix+identityID, session.SessionID, ttl)
	pipe.Set(ctx, sessionDataPrefix+session.SessionID, string(jsonData), ttl)
	userSessionsKey := userSessionsPrefix + identityID
	pipe.SAdd(ctx, userSessionsKey, session.SessionID)
	pipe.Expire(ctx, userSessionsKey, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to create session",
			zap.String("identity_id", identityID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	util.Debug("Session created",
		zap.String("identity_id", identityID),
		zap.String("session_id", session.SessionID),
		zap.Duration("ttl", ttl))

	return session, nil
}

// GetSession returns the session record for an ID, or nil when it does
// not exist or has expired.
func (c *SessionCache) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := sessionDataPrefix + sessionID

	jsonData, err := c.client.Get(ctx, key)
	if err != nil {
		if err.Error() == fmt.Sprintf("key not found: %s", key) {
			return nil, nil
		}
		util.Error("Failed to get session",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session Session
	if err := json.Unmarshal([]byte(jsonData), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &session, nil
}

// InvalidateSession removes a single session by ID.
func (c *SessionCache) InvalidateSession(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	session, err := c.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, sessionDataPrefix+sessionID)
	if session != nil {
		pipe.Del(ctx, activeSessionPrefix+session.IdentityID)
		pipe.SRem(ctx, userSessionsPrefix+session.IdentityID, sessionID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to invalidate session",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return fmt.Errorf("failed to invalidate session: %w", err)
	}

	util.Info("Session invalidated", zap.String("session_id", sessionID))
	return nil
}

// GetUserSessions lists all session IDs an identity currently holds.
func (c *SessionCache) GetUserSessions(ctx context.Context, identityID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sessions, err := c.client.SMembers(ctx, userSessionsPrefix+identityID)
	if err != nil {
		util.Error("Failed to get user sessions",
			zap.String("identity_id", identityID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get user sessions: %w", err)
	}

	return sessions, nil
}

// InvalidateAllUserSessions removes every session the identity holds.
// Called when a device is trusted: trust is exclusive, so all other
// logins die with it.
func (c *SessionCache) InvalidateAllUserSessions(ctx context.Context, identityID string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	sessions, err := c.GetUserSessions(ctx, identityID)
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, activeSessionPrefix+identityID)
	for _, sessionID := range sessions {
		pipe.Del(ctx, sessionDataPrefix+sessionID)
	}
	pipe.Del(ctx, userSessionsPrefix+identityID)

	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to invalidate all user sessions",
			zap.String("identity_id", identityID),
			zap.Int("session_count", len(sessions)),
			zap.Error(err))
		return fmt.Errorf("failed to invalidate all user sessions: %w", err)
	}

	util.Info("All user sessions invalidated",
		zap.String("identity_id", identityID),
		zap.Int("session_count", len(sessions)))

	return nil
}
