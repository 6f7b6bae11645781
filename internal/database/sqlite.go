package database

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/pulse/internal/catalog"
	"github.com/MarcoPoloResearchLab/pulse/internal/credentials"
	"github.com/MarcoPoloResearchLab/pulse/internal/history"
	"github.com/MarcoPoloResearchLab/pulse/internal/quota"
	"github.com/MarcoPoloResearchLab/pulse/internal/syncer"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every persisted model in migration order.
func Models() []any {
	return []any{
		&credentials.Credential{},
		&catalog.Post{},
		&history.Snapshot{},
		&quota.Counter{},
		&syncer.SyncRun{},
		&migrationRecord{},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Ping reports whether the database answers.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
