// Package quota persists daily provider quota usage.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/apperrors"
	"github.com/MarcoPoloResearchLab/pulse/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrBudgetExhausted indicates the daily budget has no units left.
	ErrBudgetExhausted = errors.New("quota: daily budget exhausted")
)

const (
	opStoreNew = "quota.store.new"
	opAdd      = "quota.add"
	opUsage    = "quota.usage"
	opConsume  = "quota.consume"
)

// Counter is the usage of one key during one business day.
type Counter struct {
	Key   string `gorm:"column:quota_key;primaryKey;size:190"`
	Day   string `gorm:"column:quota_day;primaryKey;size:10"`
	Count int64  `gorm:"column:units;not null;default:0"`
}

func (Counter) TableName() string {
	return "quota_counters"
}

// Store increments counters atomically.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, apperrors.New(opStoreNew, "missing_database", errMissingDatabase)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}, nil
}

// Add increments the counter by units and returns the new total.
func (s *Store) Add(ctx context.Context, key, day string, units int64) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		counter := Counter{Key: key, Day: day, Count: units}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "quota_key"}, {Name: "quota_day"}},
			DoUpdates: clause.Assignments(map[string]any{"units": gorm.Expr("units + ?", units)}),
		}).Create(&counter).Error; err != nil {
			return err
		}
		return tx.Model(&Counter{}).Where("quota_key = ? AND quota_day = ?", key, day).Select("units").Scan(&total).Error
	})
	if err != nil {
		s.logger.Error("quota store error", zap.String("operation", opAdd), zap.String("key", key), zap.Error(err))
		return 0, apperrors.New(opAdd, "upsert_failed", err)
	}
	metrics.QuotaUnits.WithLabelValues(key).Add(float64(units))
	return total, nil
}

// Usage returns the units consumed for key on day.
func (s *Store) Usage(ctx context.Context, key, day string) (int64, error) {
	var counter Counter
	err := s.db.WithContext(ctx).Where("quota_key = ? AND quota_day = ?", key, day).Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.New(opUsage, "query_failed", err)
	}
	return counter.Count, nil
}

type BudgetConfig struct {
	Store     *Store
	Key       string
	Limit     int64
	ResetHour int
	Location  *time.Location
	Clock     func() time.Time
}

// Budget enforces a daily unit limit whose business day starts at ResetHour.
type Budget struct {
	store     *Store
	key       string
	limit     int64
	resetHour int
	location  *time.Location
	clock     func() time.Time
}

func NewBudget(cfg BudgetConfig) (*Budget, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("quota: store is required")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("quota: key is required")
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Budget{
		store:     cfg.Store,
		key:       cfg.Key,
		limit:     cfg.Limit,
		resetHour: cfg.ResetHour,
		location:  location,
		clock:     clock,
	}, nil
}

// BusinessDay returns the key of the quota day containing now.
func (b *Budget) BusinessDay() string {
	local := b.clock().In(b.location).Add(-time.Duration(b.resetHour) * time.Hour)
	return local.Format("2006-01-02")
}

// Consume records units, failing without recording when the limit would be exceeded. A non-positive limit is unlimited.
func (b *Budget) Consume(ctx context.Context, units int64) error {
	day := b.BusinessDay()
	if b.limit > 0 {
		used, err := b.store.Usage(ctx, b.key, day)
		if err != nil {
			return err
		}
		if used+units > b.limit {
			return apperrors.New(opConsume, "exhausted", fmt.Errorf("%w: %d of %d used", ErrBudgetExhausted, used, b.limit))
		}
	}
	_, err := b.store.Add(ctx, b.key, day, units)
	return err
}

// Remaining returns the units left today, or -1 for an unlimited budget.
func (b *Budget) Remaining(ctx context.Context) (int64, error) {
	if b.limit <= 0 {
		return -1, nil
	}
	used, err := b.store.Usage(ctx, b.key, b.BusinessDay())
	if err != nil {
		return 0, err
	}
	if used >= b.limit {
		return 0, nil
	}
	return b.limit - used, nil
}
