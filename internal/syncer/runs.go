package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/apperrors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opRunStoreNew = "syncer.runs.new"
	opRecordRun   = "syncer.runs.record"
	opListRuns    = "syncer.runs.list"

	defaultRunListLimit = 20
	maxRunListLimit     = 200
)

// Run outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomePartial   = "partial"
	OutcomeFailed    = "failed"
)

// SyncRun is the audit record of one platform sync.
type SyncRun struct {
	ID         uint      `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	RunID      string    `gorm:"column:run_id;size:36;not null;uniqueIndex" json:"run_id"`
	UserID     string    `gorm:"column:user_id;size:190;not null;index:idx_sync_runs_user_started,priority:1" json:"-"`
	Platform   string    `gorm:"column:platform;size:32;not null" json:"platform"`
	StartedAt  time.Time `gorm:"column:started_at;not null;index:idx_sync_runs_user_started,priority:2" json:"started_at"`
	FinishedAt time.Time `gorm:"column:finished_at;not null" json:"finished_at"`
	Outcome    string    `gorm:"column:outcome;size:16;not null" json:"outcome"`
	Summary    Summary   `gorm:"column:summary;type:text;serializer:json" json:"summary"`
}

func (SyncRun) TableName() string {
	return "sync_runs"
}

// RunStore persists sync run audit records.
type RunStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewRunStore(db *gorm.DB, logger *zap.Logger) (*RunStore, error) {
	if db == nil {
		return nil, apperrors.New(opRunStoreNew, "missing_database", errors.New("database handle is required"))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunStore{db: db, logger: logger}, nil
}

// Record stores the run described by summary.
func (s *RunStore) Record(ctx context.Context, userID string, summary Summary) error {
	run := SyncRun{
		RunID:      summary.RunID,
		UserID:     userID,
		Platform:   summary.Platform,
		StartedAt:  summary.StartedAt,
		FinishedAt: summary.FinishedAt,
		Outcome:    summary.Outcome,
		Summary:    summary,
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		s.logger.Error("sync run store error", zap.String("operation", opRecordRun), zap.String("run_id", summary.RunID), zap.Error(err))
		return apperrors.New(opRecordRun, "insert_failed", err)
	}
	return nil
}

// List returns the most recent runs of userID.
func (s *RunStore) List(ctx context.Context, userID string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = defaultRunListLimit
	}
	if limit > maxRunListLimit {
		limit = maxRunListLimit
	}
	var runs []SyncRun
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		s.logger.Error("sync run store error", zap.String("operation", opListRuns), zap.Error(err))
		return nil, apperrors.New(opListRuns, "query_failed", err)
	}
	return runs, nil
}
