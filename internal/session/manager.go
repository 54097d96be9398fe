// Package session is the Redis-backed single-session-per-account control
// plane: one active JWT per user by default, with an opt-in multi-session
// mode for shared accounts, and a displaced-session notice a client can
// poll for after being logged out by a newer login.
//
// Grounded on original_source/services/redis_session_manager.py's key
// schema and operation set, rehomed onto internal/cache.Manager instead
// of a raw redis.Client.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/llmcore/internal/cache"
	"github.com/BaSui01/llmcore/internal/ctxkeys"
)

const (
	sessionPrefix     = "session:user:"
	sessionSetPrefix  = "session:user:set:"
	invalidationPrefix = "session_invalidated:"
)

func sessionKey(userID string) string    { return sessionPrefix + userID }
func sessionSetKey(userID string) string { return sessionSetPrefix + userID }
func invalidationKey(userID, tokenHash string) string {
	return fmt.Sprintf("%s%s:%s", invalidationPrefix, userID, tokenHash)
}

// HashToken returns the SHA-256 hex digest of a raw JWT, the form stored
// in the cache rather than the token itself.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", sum)
}

// InvalidationNotice is the notification a displaced session reads
// exactly once via CheckInvalidationNotification.
type InvalidationNotice struct {
	Timestamp time.Time `json:"timestamp"`
	IPAddress string    `json:"ip_address"`
}

// Manager is the session control plane. A zero or negative TTL passed to
// New falls back to
// DefaultTTL (24h, matching JWT_EXPIRY_HOURS=24).
type Manager struct {
	cache  *cache.Manager
	ttl    time.Duration
	logger *zap.Logger
}

const DefaultTTL = 24 * time.Hour

func New(c *cache.Manager, ttl time.Duration, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cache: c, ttl: ttl, logger: logger.With(zap.String("component", "session"))}
}

// StoreSession records token as the active session for userID. In single
// mode it overwrites any existing session key; in multi mode it adds the
// token's hash to the user's session set and refreshes the set's TTL.
// The session key's TTL is taken from the token's own exp claim when
// token is a structured JWT, so the cache entry never outlives the
// token it guards; an opaque token falls back to m.ttl.
func (m *Manager) StoreSession(ctx context.Context, userID, token string, allowMultiple bool) error {
	if !m.cache.IsAvailable() {
		m.logger.Debug("cache unavailable, skipping session store", zap.String("user_id", userID))
		return nil
	}
	hash := HashToken(token)
	ttl := m.ttlForToken(token)
	if allowMultiple {
		key := sessionSetKey(userID)
		if err := m.cache.SAdd(ctx, key, hash); err != nil {
			return err
		}
		return m.cache.Expire(ctx, key, ttl)
	}
	return m.cache.SetEX(ctx, sessionKey(userID), hash, ttl)
}

// ttlForToken derives a session TTL from token's exp claim when token
// parses as a structured JWT. This service never signs or verifies the
// token, only the hash it stores; parsing here only reads timing, so no
// signature check is performed. Opaque tokens, or JWTs without a usable
// exp claim, fall back to m.ttl.
func (m *Manager) ttlForToken(token string) time.Duration {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return m.ttl
	}
	expUnix, err := claims.GetExpirationTime()
	if err != nil || expUnix == nil {
		return m.ttl
	}
	remaining := time.Until(expUnix.Time)
	if remaining <= 0 {
		return m.ttl
	}
	return remaining
}

// IsSessionValid fails open (returns true) when the cache is unavailable
// so authentication survives a cache outage, and fails closed (false)
// when the cache is reachable but the token's hash doesn't match the
// stored session.
func (m *Manager) IsSessionValid(ctx context.Context, userID, token string) bool {
	if !m.cache.IsAvailable() {
		m.logger.Debug("cache unavailable, allowing auth", zap.String("user_id", userID))
		return true
	}
	hash := HashToken(token)

	setKey := sessionSetKey(userID)
	if n, err := m.cache.Exists(ctx, setKey); err == nil && n > 0 {
		ok, err := m.cache.SIsMember(ctx, setKey, hash)
		if err != nil {
			m.logger.Warn("session set lookup failed, failing open", zap.Error(err))
			return true
		}
		return ok
	}

	stored, err := m.cache.Get(ctx, sessionKey(userID))
	if err != nil {
		if err == cache.ErrCacheMiss {
			return false
		}
		m.logger.Warn("session lookup failed, failing open", zap.Error(err))
		return true
	}
	return stored == hash
}

// DeleteSession removes the session for userID. If token is non-empty and
// the user is in multi mode, only that token's hash is removed from the
// set; otherwise every session for the user is cleared.
func (m *Manager) DeleteSession(ctx context.Context, userID, token string) error {
	if !m.cache.IsAvailable() {
		return nil
	}
	setKey := sessionSetKey(userID)
	if n, err := m.cache.Exists(ctx, setKey); err == nil && n > 0 {
		if token != "" {
			return m.cache.SRem(ctx, setKey, HashToken(token))
		}
		return m.cache.Delete(ctx, setKey)
	}
	return m.cache.Delete(ctx, sessionKey(userID))
}

// InvalidateUserSessions tears down every existing session for userID and
// writes an InvalidationNotice for each one before deleting it. When
// allowMultiple is true it returns at once and existing sessions stay
// valid. Must be
// called, and complete, before the caller stores the new session, so a
// fresh login always displaces the old one before taking effect.
func (m *Manager) InvalidateUserSessions(ctx context.Context, userID string, ip string, allowMultiple bool) error {
	if allowMultiple {
		m.logger.Debug("multiple sessions allowed, skipping invalidation", zap.String("user_id", userID))
		return nil
	}
	if !m.cache.IsAvailable() {
		m.logger.Debug("cache unavailable, skipping invalidation", zap.String("user_id", userID))
		return nil
	}

	setKey := sessionSetKey(userID)
	if n, err := m.cache.Exists(ctx, setKey); err == nil && n > 0 {
		hashes, err := m.cache.SMembers(ctx, setKey)
		if err != nil {
			return err
		}
		for _, h := range hashes {
			m.createInvalidationNotification(ctx, userID, h, ip)
		}
		return m.cache.Delete(ctx, setKey)
	}

	oldHash, err := m.cache.Get(ctx, sessionKey(userID))
	if err != nil {
		if err == cache.ErrCacheMiss {
			return nil
		}
		return err
	}
	m.createInvalidationNotification(ctx, userID, oldHash, ip)
	return m.cache.Delete(ctx, sessionKey(userID))
}

func (m *Manager) createInvalidationNotification(ctx context.Context, userID, tokenHash, ip string) {
	if ip == "" {
		if fromCtx, ok := ctxkeys.ClientIP(ctx); ok {
			ip = fromCtx
		} else {
			ip = "unknown"
		}
	}
	notice := InvalidationNotice{Timestamp: time.Now(), IPAddress: ip}
	payload, err := json.Marshal(notice)
	if err != nil {
		m.logger.Warn("failed to marshal invalidation notice", zap.Error(err))
		return
	}
	if err := m.cache.SetEX(ctx, invalidationKey(userID, tokenHash), string(payload), m.ttl); err != nil {
		m.logger.Warn("failed to store invalidation notice", zap.Error(err))
	}
}

// CheckInvalidationNotification returns the notice for a displaced
// session's token hash, if one exists. Returns (nil, nil) on a clean
// miss.
func (m *Manager) CheckInvalidationNotification(ctx context.Context, userID, tokenHash string) (*InvalidationNotice, error) {
	if !m.cache.IsAvailable() {
		return nil, nil
	}
	raw, err := m.cache.Get(ctx, invalidationKey(userID, tokenHash))
	if err != nil {
		if err == cache.ErrCacheMiss {
			return nil, nil
		}
		return nil, err
	}
	var notice InvalidationNotice
	if err := json.Unmarshal([]byte(raw), &notice); err != nil {
		return nil, err
	}
	return &notice, nil
}

// ClearInvalidationNotification acknowledges and removes a notice so a
// displaced session only ever receives it once.
func (m *Manager) ClearInvalidationNotification(ctx context.Context, userID, tokenHash string) error {
	if !m.cache.IsAvailable() {
		return nil
	}
	return m.cache.Delete(ctx, invalidationKey(userID, tokenHash))
}
