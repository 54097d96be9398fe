// Package usercache is the read-through user/org cache: Redis-backed,
// SQL-authoritative, write-through on write, best-effort on cache writes,
// and treating a corrupted cache entry as a plain miss rather than an
// error.
//
// Grounded on original_source/services/redis/redis_user_cache.py and
// redis_org_cache.py's key schema, corrupted-entry handling, and
// write-through pattern, rehomed onto internal/cache.Manager and
// internal/store.AuthoritativeStore instead of a raw redis client and
// SQLAlchemy session.
package usercache

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmcore/internal/cache"
	"github.com/BaSui01/llmcore/internal/store"
)

const (
	userKeyPrefix      = "user:"
	userPhoneIndex     = "user:phone:"
	orgKeyPrefix       = "org:"
	orgCodeIndex       = "org:code:"
	orgInvitationIndex = "org:invite:"
)

// Manager is the read-through cache for both users and organizations. It
// holds no state of its own beyond the cache/store handles; the cache is
// never authoritative.
type Manager struct {
	cache  *cache.Manager
	store  store.AuthoritativeStore
	logger *zap.Logger
}

func New(c *cache.Manager, s store.AuthoritativeStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cache: c, store: s, logger: logger.With(zap.String("component", "usercache"))}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func serializeUser(u *store.User) map[string]string {
	orgID := ""
	if u.OrganizationID != nil {
		orgID = strconv.FormatInt(*u.OrganizationID, 10)
	}
	lockedUntil := ""
	if u.LockedUntil != nil {
		lockedUntil = formatTime(*u.LockedUntil)
	}
	lastLogin := ""
	if u.LastLogin != nil {
		lastLogin = formatTime(*u.LastLogin)
	}
	return map[string]string{
		"id":                    strconv.FormatInt(u.ID, 10),
		"phone":                 u.Phone,
		"password_hash":         u.PasswordHash,
		"name":                  u.Name,
		"organization_id":       orgID,
		"avatar":                u.Avatar,
		"failed_login_attempts": strconv.Itoa(u.FailedLoginAttempts),
		"locked_until":          lockedUntil,
		"created_at":            formatTime(u.CreatedAt),
		"last_login":            lastLogin,
	}
}

// deserializeUser mirrors the corrupted-entry detection in the source
// implementation: a malformed numeric field surfaces as an error so the
// caller deletes the entry and falls through to the authoritative store.
func deserializeUser(data map[string]string) (*store.User, error) {
	id, err := strconv.ParseInt(data["id"], 10, 64)
	if err != nil {
		return nil, err
	}
	u := &store.User{
		ID:           id,
		Phone:        data["phone"],
		PasswordHash: data["password_hash"],
		Name:         data["name"],
		Avatar:       data["avatar"],
		CreatedAt:    time.Now(),
	}
	if orgID := data["organization_id"]; orgID != "" {
		v, err := strconv.ParseInt(orgID, 10, 64)
		if err != nil {
			return nil, err
		}
		u.OrganizationID = &v
	}
	if n := data["failed_login_attempts"]; n != "" {
		v, err := strconv.Atoi(n)
		if err != nil {
			return nil, err
		}
		u.FailedLoginAttempts = v
	}
	u.LockedUntil = parseTime(data["locked_until"])
	u.LastLogin = parseTime(data["last_login"])
	if created := parseTime(data["created_at"]); created != nil {
		u.CreatedAt = *created
	}
	return u, nil
}

func userKey(id int64) string        { return userKeyPrefix + strconv.FormatInt(id, 10) }
func userPhoneKey(phone string) string { return userPhoneIndex + phone }

// GetUserByID is a read-through lookup: cache hit returns immediately,
// cache miss or corruption falls back to the authoritative store and
// best-effort repopulates the cache.
func (m *Manager) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	if !m.cache.IsAvailable() {
		return m.loadUserFromStore(ctx, id, "")
	}
	key := userKey(id)
	data, err := m.cache.HGetAll(ctx, key)
	if err != nil {
		if err == cache.ErrCacheMiss {
			return m.loadUserFromStore(ctx, id, "")
		}
		m.logger.Warn("cache error on user lookup, falling back to store", zap.Int64("user_id", id), zap.Error(err))
		return m.loadUserFromStore(ctx, id, "")
	}
	u, err := deserializeUser(data)
	if err != nil {
		m.logger.Error("corrupted user cache entry, evicting", zap.Int64("user_id", id), zap.Error(err))
		_ = m.cache.Delete(ctx, key)
		return m.loadUserFromStore(ctx, id, "")
	}
	return u, nil
}

// GetUserByPhone resolves the phone index, then delegates to GetUserByID
// so the result always passes through the same id-keyed cache entry.
func (m *Manager) GetUserByPhone(ctx context.Context, phone string) (*store.User, error) {
	if !m.cache.IsAvailable() {
		return m.loadUserFromStore(ctx, 0, phone)
	}
	indexKey := userPhoneKey(phone)
	idStr, err := m.cache.Get(ctx, indexKey)
	if err != nil {
		if err == cache.ErrCacheMiss {
			return m.loadUserFromStore(ctx, 0, phone)
		}
		m.logger.Warn("cache error on phone index lookup, falling back to store", zap.Error(err))
		return m.loadUserFromStore(ctx, 0, phone)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		m.logger.Error("corrupted phone index entry, evicting", zap.String("phone_index", indexKey), zap.Error(err))
		_ = m.cache.Delete(ctx, indexKey)
		return m.loadUserFromStore(ctx, 0, phone)
	}
	return m.GetUserByID(ctx, id)
}

func (m *Manager) loadUserFromStore(ctx context.Context, id int64, phone string) (*store.User, error) {
	var (
		u   *store.User
		err error
	)
	if id != 0 {
		u, err = m.store.UserByID(ctx, id)
	} else {
		u, err = m.store.UserByPhone(ctx, phone)
	}
	if err != nil || u == nil {
		return nil, err
	}
	m.CacheUser(ctx, u)
	return u, nil
}

// CacheUser writes u to the cache write-through. Failures are logged, not
// raised — a cache write is never allowed to fail the caller's request.
func (m *Manager) CacheUser(ctx context.Context, u *store.User) {
	if !m.cache.IsAvailable() {
		return
	}
	key := userKey(u.ID)
	if err := m.cache.HSet(ctx, key, serializeUser(u)); err != nil {
		m.logger.Warn("failed to cache user", zap.Int64("user_id", u.ID), zap.Error(err))
		return
	}
	if u.Phone != "" {
		if err := m.cache.Set(ctx, userPhoneKey(u.Phone), strconv.FormatInt(u.ID, 10), 0); err != nil {
			m.logger.Warn("failed to cache user phone index", zap.Int64("user_id", u.ID), zap.Error(err))
		}
	}
}

// InvalidateUser deletes the user's cache entry and, if phone is
// non-empty, its phone index too. Best-effort; failures are logged.
func (m *Manager) InvalidateUser(ctx context.Context, id int64, phone string) {
	if !m.cache.IsAvailable() {
		return
	}
	keys := []string{userKey(id)}
	if phone != "" {
		keys = append(keys, userPhoneKey(phone))
	}
	if err := m.cache.Delete(ctx, keys...); err != nil {
		m.logger.Warn("failed to invalidate user cache", zap.Int64("user_id", id), zap.Error(err))
	}
}

func serializeOrg(o *store.Organization) map[string]string {
	expiresAt := ""
	if o.ExpiresAt != nil {
		expiresAt = formatTime(*o.ExpiresAt)
	}
	isActive := "0"
	if o.IsActive {
		isActive = "1"
	}
	return map[string]string{
		"id":              strconv.FormatInt(o.ID, 10),
		"code":            o.Code,
		"name":            o.Name,
		"invitation_code": o.InvitationCode,
		"created_at":      formatTime(o.CreatedAt),
		"expires_at":      expiresAt,
		"is_active":       isActive,
	}
}

func deserializeOrg(data map[string]string) (*store.Organization, error) {
	id, err := strconv.ParseInt(data["id"], 10, 64)
	if err != nil {
		return nil, err
	}
	o := &store.Organization{
		ID:             id,
		Code:           data["code"],
		Name:           data["name"],
		InvitationCode: data["invitation_code"],
		CreatedAt:      time.Now(),
		IsActive:       data["is_active"] == "1",
	}
	if created := parseTime(data["created_at"]); created != nil {
		o.CreatedAt = *created
	}
	o.ExpiresAt = parseTime(data["expires_at"])
	return o, nil
}

func orgKey(id int64) string           { return orgKeyPrefix + strconv.FormatInt(id, 10) }
func orgCodeKey(code string) string    { return orgCodeIndex + code }
func orgInviteKey(code string) string  { return orgInvitationIndex + code }

// GetOrgByID is the org-side equivalent of GetUserByID.
func (m *Manager) GetOrgByID(ctx context.Context, id int64) (*store.Organization, error) {
	if !m.cache.IsAvailable() {
		return m.loadOrgFromStore(ctx, id, "", "")
	}
	key := orgKey(id)
	data, err := m.cache.HGetAll(ctx, key)
	if err != nil {
		if err == cache.ErrCacheMiss {
			return m.loadOrgFromStore(ctx, id, "", "")
		}
		m.logger.Warn("cache error on org lookup, falling back to store", zap.Int64("org_id", id), zap.Error(err))
		return m.loadOrgFromStore(ctx, id, "", "")
	}
	o, err := deserializeOrg(data)
	if err != nil {
		m.logger.Error("corrupted org cache entry, evicting", zap.Int64("org_id", id), zap.Error(err))
		_ = m.cache.Delete(ctx, key)
		return m.loadOrgFromStore(ctx, id, "", "")
	}
	return o, nil
}

// GetOrgByCode resolves the code index, then delegates to GetOrgByID.
func (m *Manager) GetOrgByCode(ctx context.Context, code string) (*store.Organization, error) {
	return m.getOrgByIndex(ctx, orgCodeKey(code), func() (*store.Organization, error) {
		return m.loadOrgFromStore(ctx, 0, code, "")
	})
}

// GetOrgByInvitationCode resolves the invitation-code index, then
// delegates to GetOrgByID.
func (m *Manager) GetOrgByInvitationCode(ctx context.Context, code string) (*store.Organization, error) {
	return m.getOrgByIndex(ctx, orgInviteKey(code), func() (*store.Organization, error) {
		return m.loadOrgFromStore(ctx, 0, "", code)
	})
}

func (m *Manager) getOrgByIndex(ctx context.Context, indexKey string, fallback func() (*store.Organization, error)) (*store.Organization, error) {
	if !m.cache.IsAvailable() {
		return fallback()
	}
	idStr, err := m.cache.Get(ctx, indexKey)
	if err != nil {
		if err == cache.ErrCacheMiss {
			return fallback()
		}
		m.logger.Warn("cache error on org index lookup, falling back to store", zap.String("index_key", indexKey), zap.Error(err))
		return fallback()
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		m.logger.Error("corrupted org index entry, evicting", zap.String("index_key", indexKey), zap.Error(err))
		_ = m.cache.Delete(ctx, indexKey)
		return fallback()
	}
	return m.GetOrgByID(ctx, id)
}

func (m *Manager) loadOrgFromStore(ctx context.Context, id int64, code, inviteCode string) (*store.Organization, error) {
	var (
		o   *store.Organization
		err error
	)
	switch {
	case id != 0:
		o, err = m.store.OrgByID(ctx, id)
	case code != "":
		o, err = m.store.OrgByCode(ctx, code)
	default:
		o, err = m.store.OrgByInvitationCode(ctx, inviteCode)
	}
	if err != nil || o == nil {
		return nil, err
	}
	m.CacheOrg(ctx, o)
	return o, nil
}

// CacheOrg writes o to the cache write-through, including its code and
// invitation-code indexes. The indexes are stored with no TTL, matching
// the source's "permanent storage" comment for these lookup keys.
func (m *Manager) CacheOrg(ctx context.Context, o *store.Organization) {
	if !m.cache.IsAvailable() {
		return
	}
	key := orgKey(o.ID)
	if err := m.cache.HSet(ctx, key, serializeOrg(o)); err != nil {
		m.logger.Warn("failed to cache org", zap.Int64("org_id", o.ID), zap.Error(err))
		return
	}
	if o.Code != "" {
		if err := m.cache.Set(ctx, orgCodeKey(o.Code), strconv.FormatInt(o.ID, 10), 0); err != nil {
			m.logger.Warn("failed to cache org code index", zap.Int64("org_id", o.ID), zap.Error(err))
		}
	}
	if o.InvitationCode != "" {
		if err := m.cache.Set(ctx, orgInviteKey(o.InvitationCode), strconv.FormatInt(o.ID, 10), 0); err != nil {
			m.logger.Warn("failed to cache org invitation index", zap.Int64("org_id", o.ID), zap.Error(err))
		}
	}
}

// InvalidateOrg deletes the org's cache entry and any secondary indexes
// supplied. Best-effort; failures are logged.
func (m *Manager) InvalidateOrg(ctx context.Context, id int64, code, inviteCode string) {
	if !m.cache.IsAvailable() {
		return
	}
	keys := []string{orgKey(id)}
	if code != "" {
		keys = append(keys, orgCodeKey(code))
	}
	if inviteCode != "" {
		keys = append(keys, orgInviteKey(inviteCode))
	}
	if err := m.cache.Delete(ctx, keys...); err != nil {
		m.logger.Warn("failed to invalidate org cache", zap.Int64("org_id", id), zap.Error(err))
	}
}
