package store

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// PoolConfig sizes the connection pool gorm hands to database/sql.
//
// Grounded on internal/database/pool.go's PoolConfig/NewPoolManager.
type PoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// OpenDatabase opens the authoritative store's backing database. driver is
// one of "postgres", "mysql", or "sqlite" (a cgo-free in-process database,
// the default for local runs and tests); dsn is driver-specific.
func OpenDatabase(driver, dsn string, pool PoolConfig, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite", "":
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite)", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	logger.Info("database connected", zap.String("driver", driver))
	return db, nil
}

// AutoMigrate ensures the authoritative store's tables match the current
// struct definitions. Schema migration in the fuller sense (versioned,
// reversible steps) belongs to a migration tool the caller owns; this is
// just the teacher's own "keep columns current" pattern applied to the
// three tables this package actually reads and writes.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &Organization{}, &UsageRecord{})
}
