// Package store is the gorm-backed authoritative store the user/org cache
// and the token usage tracker fall back to on a cache miss. The cache is
// never the source of truth; this package is.
//
// Grounded on internal/database/pool.go's PoolManager (connection pool
// sizing, health-check loop, WithTransaction helper), narrowed from a
// general-purpose pool manager down to the handful of lookups the
// read-through caches above it actually issue.
package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// User mirrors the authoritative user row. Field set matches exactly what
// the user cache serializes into its Redis hash.
type User struct {
	ID                   int64 `gorm:"primaryKey"`
	Phone                string
	PasswordHash         string
	Name                 string
	OrganizationID       *int64
	Avatar               string
	FailedLoginAttempts  int
	LockedUntil          *time.Time
	CreatedAt            time.Time
	LastLogin            *time.Time
}

func (User) TableName() string { return "users" }

// Organization mirrors the authoritative organization row.
type Organization struct {
	ID              int64 `gorm:"primaryKey"`
	Code            string
	Name            string
	InvitationCode  string
	CreatedAt       time.Time
	ExpiresAt       *time.Time
	IsActive        bool
}

func (Organization) TableName() string { return "organizations" }

// UserStore is the authoritative lookup surface the user cache falls back
// to. A (nil, nil) return means no matching row, not an error.
type UserStore interface {
	UserByID(ctx context.Context, id int64) (*User, error)
	UserByPhone(ctx context.Context, phone string) (*User, error)
}

// OrgStore is the authoritative lookup surface the org cache falls back to.
type OrgStore interface {
	OrgByID(ctx context.Context, id int64) (*Organization, error)
	OrgByCode(ctx context.Context, code string) (*Organization, error)
	OrgByInvitationCode(ctx context.Context, code string) (*Organization, error)
}

// AuthoritativeStore is the full surface internal/usercache depends on.
type AuthoritativeStore interface {
	UserStore
	OrgStore
}

// UsageRecord is one tracked LLM call, the row internal/tokenusage
// batches and flushes here.
type UsageRecord struct {
	ID             int64 `gorm:"primaryKey"`
	ModelAlias     string
	Provider       string
	Dimension      string
	UserID         string
	OrganizationID string
	SessionID      string
	ConversationID string
	EndpointPath   string
	InputTokens    int
	OutputTokens   int
	TotalTokens    int
	ResponseTimeMs int64
	Success        bool
	CreatedAt      time.Time
}

func (UsageRecord) TableName() string { return "usage_records" }

// UsageStore is the authoritative write target internal/tokenusage
// flushes its buffer into.
type UsageStore interface {
	WriteUsageBatch(ctx context.Context, records []UsageRecord) error
}

// Store is the gorm implementation of AuthoritativeStore.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "store"))}
}

func (s *Store) UserByID(ctx context.Context, id int64) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (s *Store) UserByPhone(ctx context.Context, phone string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, "phone = ?", phone).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (s *Store) OrgByID(ctx context.Context, id int64) (*Organization, error) {
	var o Organization
	if err := s.db.WithContext(ctx).First(&o, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

func (s *Store) OrgByCode(ctx context.Context, code string) (*Organization, error) {
	var o Organization
	if err := s.db.WithContext(ctx).First(&o, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

func (s *Store) OrgByInvitationCode(ctx context.Context, code string) (*Organization, error) {
	var o Organization
	if err := s.db.WithContext(ctx).First(&o, "invitation_code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

// WriteUsageBatch inserts records with batched INSERTs of up to 200 rows, the
// flush-outside-the-lock write the token tracker's background loop calls.
func (s *Store) WriteUsageBatch(ctx context.Context, records []UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(records, 200).Error
}
