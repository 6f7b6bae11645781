package history

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/pulse/internal/apperrors"
	"github.com/MarcoPoloResearchLab/pulse/internal/calendar"
	"github.com/MarcoPoloResearchLab/pulse/internal/platform"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ListRange returns the snapshots between from and to inclusive, oldest first.
func (r *Reconciler) ListRange(ctx context.Context, userID string, p platform.Platform, from, to calendar.Day) ([]Snapshot, error) {
	var snapshots []Snapshot
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND platform = ? AND day >= ? AND day <= ?", userID, p.String(), from.String(), to.String()).
		Order("day ASC").
		Find(&snapshots).Error
	if err != nil {
		r.logError(opListRange, "query_failed", err, zap.String("platform", p.String()))
		return nil, apperrors.New(opListRange, "query_failed", err)
	}
	return snapshots, nil
}

// LatestBefore returns the most recent snapshot strictly before day with a positive count, or nil.
func (r *Reconciler) LatestBefore(ctx context.Context, userID string, p platform.Platform, day calendar.Day) (*Snapshot, error) {
	var snapshot Snapshot
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND platform = ? AND day < ? AND count > 0", userID, p.String(), day.String()).
		Order("day DESC").
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		r.logError(opLatestSnapshot, "query_failed", err, zap.String("platform", p.String()))
		return nil, apperrors.New(opLatestSnapshot, "query_failed", err)
	}
	return &snapshot, nil
}

// LatestAutomated returns the most recent non-manual snapshot on or before day with a positive count, or nil.
func (r *Reconciler) LatestAutomated(ctx context.Context, userID string, p platform.Platform, day calendar.Day) (*Snapshot, error) {
	var snapshot Snapshot
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND platform = ? AND day <= ? AND count > 0 AND is_manual = ?", userID, p.String(), day.String(), false).
		Order("day DESC").
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		r.logError(opLatestSnapshot, "query_failed", err, zap.String("platform", p.String()))
		return nil, apperrors.New(opLatestSnapshot, "query_failed", err)
	}
	return &snapshot, nil
}

// DayStatus classifies a day for operator backfill.
type DayStatus string

const (
	DayMissing     DayStatus = "missing"
	DayProvisional DayStatus = "provisional"
)

// MissingDay is a day that has no snapshot or only a provisional one.
type MissingDay struct {
	Date     string    `json:"date"`
	Platform string    `json:"platform"`
	Status   DayStatus `json:"status"`
	Count    int64     `json:"count,omitempty"`
}

// MissingDays lists days in [from, to] without a confirmed snapshot, newest first.
func (r *Reconciler) MissingDays(ctx context.Context, userID string, p platform.Platform, from, to calendar.Day) ([]MissingDay, error) {
	snapshots, err := r.ListRange(ctx, userID, p, from, to)
	if err != nil {
		return nil, apperrors.New(opMissingDays, "query_failed", err)
	}
	byDay := make(map[string]Snapshot, len(snapshots))
	for _, snapshot := range snapshots {
		byDay[snapshot.Day] = snapshot
	}

	days := calendar.Range(from, to)
	missing := make([]MissingDay, 0)
	for i := len(days) - 1; i >= 0; i-- {
		key := days[i].String()
		snapshot, ok := byDay[key]
		switch {
		case !ok:
			missing = append(missing, MissingDay{Date: key, Platform: p.String(), Status: DayMissing})
		case !snapshot.IsFinal():
			missing = append(missing, MissingDay{Date: key, Platform: p.String(), Status: DayProvisional, Count: snapshot.Count})
		}
	}
	return missing, nil
}
