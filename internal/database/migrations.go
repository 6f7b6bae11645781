package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/catalog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillMetricsVersion = "2024-09-01_backfill_metrics_schema_version"
	migrationLowercasePlatforms     = "2024-09-15_lowercase_platform_names"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillMetricsVersion, apply: backfillMetricsVersion},
		{name: migrationLowercasePlatforms, apply: lowercasePlatforms},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillMetricsVersion stamps metrics written before the schema carried a version.
func backfillMetricsVersion(db *gorm.DB) error {
	return db.Exec(
		"UPDATE posts SET metrics = json_set(COALESCE(NULLIF(metrics, ''), '{}'), '$.v', ?) "+
			"WHERE COALESCE(json_extract(NULLIF(metrics, ''), '$.v'), 0) = 0",
		catalog.MetricsSchemaVersion,
	).Error
}

func lowercasePlatforms(db *gorm.DB) error {
	for _, table := range []string{"posts", "follower_history", "platform_credentials", "sync_runs"} {
		if !db.Migrator().HasTable(table) {
			continue
		}
		if err := db.Exec("UPDATE " + table + " SET platform = lower(platform) WHERE platform <> lower(platform)").Error; err != nil {
			return err
		}
	}
	return nil
}
