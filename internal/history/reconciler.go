package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/apperrors"
	"github.com/MarcoPoloResearchLab/pulse/internal/calendar"
	"github.com/MarcoPoloResearchLab/pulse/internal/metrics"
	"github.com/MarcoPoloResearchLab/pulse/internal/platform"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
	// ErrInvalidOverride indicates a manual override with a bad day, platform or negative value.
	ErrInvalidOverride = errors.New("history: invalid manual override")
	noOpLogger         = zap.NewNop()
)

const (
	opReconcilerNew  = "history.reconciler.new"
	opReconstruct    = "history.reconstruct_from_anchor"
	opRecordLive     = "history.record_live"
	opRecordForward  = "history.record_forward_difference"
	opApplyManual    = "history.apply_manual"
	opListRange      = "history.list_range"
	opMissingDays    = "history.missing_days"
	opLatestSnapshot = "history.latest"
)

type ReconcilerConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Reconciler turns counters and lagged report rows into daily snapshots.
type Reconciler struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Database == nil {
		return nil, apperrors.New(opReconcilerNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reconciler{db: cfg.Database, clock: clock, logger: logger}, nil
}

// DayRow is one day of reporting data in canonical units.
type DayRow struct {
	Day      calendar.Day
	Gained   int64
	Lost     int64
	Views    int64
	Likes    int64
	Comments int64
	Shares   int64
	// Complete is false when the report omitted any requested metric.
	Complete bool
}

// Net is the day's follower change.
func (r DayRow) Net() int64 {
	return r.Gained - r.Lost
}

// DayRowFromReport converts a day-dimension report row. Absent metrics become zero and mark the row incomplete.
func DayRowFromReport(row platform.ReportRow) (DayRow, error) {
	day, err := calendar.ParseDay(row.Key)
	if err != nil {
		return DayRow{}, err
	}
	get := func(name string) int64 {
		value, _ := row.Int(name)
		return value
	}
	return DayRow{
		Day:      day,
		Gained:   get(platform.MetricFollowersGained),
		Lost:     get(platform.MetricFollowersLost),
		Views:    get(platform.MetricViews),
		Likes:    get(platform.MetricLikes),
		Comments: get(platform.MetricComments),
		Shares:   get(platform.MetricShares),
		Complete: row.HasAll(platform.DailyGrowthMetrics),
	}, nil
}

// WriteResult counts the days touched by a reconciliation pass.
type WriteResult struct {
	Written      int      `json:"written"`
	SkippedFinal int      `json:"skipped_final"`
	Provisional  int      `json:"provisional"`
	Failed       int      `json:"failed"`
	Days         []string `json:"days,omitempty"`
}

// AnchorInput drives retroactive reconstruction. CurrentTotal is the live count and anchors the
// most recent row.
type AnchorInput struct {
	UserID       string
	Platform     platform.Platform
	CurrentTotal int64
	Rows         []DayRow
}

// ReconstructFromAnchor walks rows from the most recent day backwards, storing the running total
// as each day's count and subtracting that day's net change to obtain the previous day's count.
// A protected day keeps its stored values and re-anchors the running total to its count.
func (r *Reconciler) ReconstructFromAnchor(ctx context.Context, input AnchorInput) (WriteResult, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return WriteResult{}, apperrors.New(opReconstruct, "missing_user_id", errMissingUserID)
	}

	rows := make([]DayRow, 0, len(input.Rows))
	seen := make(map[string]bool, len(input.Rows))
	for _, row := range input.Rows {
		if row.Day.IsZero() || seen[row.Day.String()] {
			continue
		}
		seen[row.Day.String()] = true
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Day.After(rows[j].Day) })

	result := WriteResult{}
	running := input.CurrentTotal
	now := r.clock().UTC()
	for _, row := range rows {
		state := StateFinal
		if !row.Complete {
			state = StateProvisional
		}
		incoming := Snapshot{
			UserID:     input.UserID,
			Platform:   input.Platform.String(),
			Day:        row.Day.String(),
			Count:      running,
			Views:      nonNegative(row.Views),
			Likes:      nonNegative(row.Likes),
			Comments:   nonNegative(row.Comments),
			Shares:     nonNegative(row.Shares),
			State:      string(state),
			Source:     string(SourceReport),
			ObservedAt: now,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		if err := ctx.Err(); err != nil {
			return result, apperrors.New(opReconstruct, "cancelled", err)
		}
		decision, err := r.write(ctx, incoming)
		switch {
		case err != nil:
			result.Failed++
			r.logError(opReconstruct, "write_failed", err,
				zap.String("platform", input.Platform.String()),
				zap.String("day", row.Day.String()))
			metrics.HistoryDays.WithLabelValues(input.Platform.String(), "failed").Inc()
		case decision.accepted:
			result.Written++
			result.Days = append(result.Days, row.Day.String())
			if state == StateProvisional {
				result.Provisional++
			}
			metrics.HistoryDays.WithLabelValues(input.Platform.String(), "written").Inc()
		default:
			result.SkippedFinal++
			if decision.snapshot.Count > 0 {
				running = decision.snapshot.Count
			}
			metrics.HistoryDays.WithLabelValues(input.Platform.String(), "skipped_final").Inc()
		}

		running -= row.Net()
		if running < 0 {
			r.logger.Warn("reconstructed follower count went negative",
				zap.String("platform", input.Platform.String()),
				zap.String("day", row.Day.String()),
				zap.Int64("running_total", running))
			running = 0
		}
	}
	return result, nil
}

// LiveInput records a live counter observation for a day.
type LiveInput struct {
	UserID       string
	Platform     platform.Platform
	Day          calendar.Day
	Count        int64
	ProfileViews int64
	Accumulated  *Accumulated
}

// RecordLive stores the live counter as a provisional snapshot of its day.
func (r *Reconciler) RecordLive(ctx context.Context, input LiveInput) (Snapshot, bool, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return Snapshot{}, false, apperrors.New(opRecordLive, "missing_user_id", errMissingUserID)
	}
	now := r.clock().UTC()
	incoming := Snapshot{
		UserID:       input.UserID,
		Platform:     input.Platform.String(),
		Day:          input.Day.String(),
		Count:        nonNegative(input.Count),
		ProfileViews: nonNegative(input.ProfileViews),
		State:        string(StateProvisional),
		Source:       string(SourceLive),
		ObservedAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if input.Accumulated != nil {
		incoming.setAccumulated(*input.Accumulated)
	}

	decision, err := r.write(ctx, incoming)
	if err != nil {
		r.logError(opRecordLive, "write_failed", err, zap.String("platform", input.Platform.String()))
		return Snapshot{}, false, apperrors.New(opRecordLive, "write_failed", err)
	}
	r.countDecision(input.Platform, decision)
	return decision.snapshot, decision.accepted, nil
}

// ForwardInput is today's observation for a platform without a historical report.
type ForwardInput struct {
	UserID       string
	Platform     platform.Platform
	Day          calendar.Day
	Count        int64
	ProfileViews int64
	Accumulated  Accumulated
}

// ForwardResult describes a forward-difference write.
type ForwardResult struct {
	Snapshot         Snapshot    `json:"snapshot"`
	Delta            Accumulated `json:"delta"`
	BaselineDay      string      `json:"baseline_day,omitempty"`
	FirstObservation bool        `json:"first_observation"`
	Written          bool        `json:"written"`
}

// RecordForwardDifference stores today's engagement as the clamped difference between the
// current accumulated totals and the latest earlier observation. The first observation has zero deltas.
func (r *Reconciler) RecordForwardDifference(ctx context.Context, input ForwardInput) (ForwardResult, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return ForwardResult{}, apperrors.New(opRecordForward, "missing_user_id", errMissingUserID)
	}

	var baseline Snapshot
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND platform = ? AND day < ? AND accumulated_observed = ?",
			input.UserID, input.Platform.String(), input.Day.String(), true).
		Order("day DESC").
		Take(&baseline).Error
	result := ForwardResult{}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		result.FirstObservation = true
	case err != nil:
		r.logError(opRecordForward, "baseline_query_failed", err, zap.String("platform", input.Platform.String()))
		return ForwardResult{}, apperrors.New(opRecordForward, "baseline_query_failed", err)
	default:
		result.BaselineDay = baseline.Day
		result.Delta = Accumulated{
			Views:    clampedDelta(input.Accumulated.Views, baseline.AccumulatedViews),
			Likes:    clampedDelta(input.Accumulated.Likes, baseline.AccumulatedLikes),
			Comments: clampedDelta(input.Accumulated.Comments, baseline.AccumulatedComments),
			Shares:   clampedDelta(input.Accumulated.Shares, baseline.AccumulatedShares),
		}
	}

	now := r.clock().UTC()
	incoming := Snapshot{
		UserID:       input.UserID,
		Platform:     input.Platform.String(),
		Day:          input.Day.String(),
		Count:        nonNegative(input.Count),
		Views:        result.Delta.Views,
		Likes:        result.Delta.Likes,
		Comments:     result.Delta.Comments,
		Shares:       result.Delta.Shares,
		ProfileViews: nonNegative(input.ProfileViews),
		State:        string(StateProvisional),
		Source:       string(SourceForward),
		ObservedAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	incoming.setAccumulated(input.Accumulated)

	decision, err := r.write(ctx, incoming)
	if err != nil {
		r.logError(opRecordForward, "write_failed", err, zap.String("platform", input.Platform.String()))
		return ForwardResult{}, apperrors.New(opRecordForward, "write_failed", err)
	}
	r.countDecision(input.Platform, decision)
	result.Snapshot = decision.snapshot
	result.Written = decision.accepted
	return result, nil
}

// ManualOverride is an operator-supplied snapshot.
type ManualOverride struct {
	UserID       string
	Platform     platform.Platform
	Day          calendar.Day
	Count        int64
	Views        int64
	Likes        int64
	Comments     int64
	Shares       int64
	ProfileViews int64
	IsFinal      bool
}

// ApplyManual stores an operator override. Manual snapshots supersede automated data and are
// never modified by later syncs; only another manual override replaces them.
func (r *Reconciler) ApplyManual(ctx context.Context, override ManualOverride) (Snapshot, error) {
	snapshots, err := r.ApplyManualBatch(ctx, []ManualOverride{override})
	if err != nil {
		return Snapshot{}, err
	}
	return snapshots[0], nil
}

// ApplyManualBatch validates every override and stores them in one transaction. Nothing is
// stored when any override is invalid or any write fails.
func (r *Reconciler) ApplyManualBatch(ctx context.Context, overrides []ManualOverride) ([]Snapshot, error) {
	for _, override := range overrides {
		if err := override.validate(); err != nil {
			return nil, apperrors.New(opApplyManual, "invalid_override", err)
		}
	}

	now := r.clock().UTC()
	snapshots := make([]Snapshot, 0, len(overrides))
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, override := range overrides {
			decision, err := writeIn(tx, override.snapshot(now))
			if err != nil {
				r.logError(opApplyManual, "write_failed", err,
					zap.String("platform", override.Platform.String()),
					zap.String("day", override.Day.String()))
				return err
			}
			snapshots = append(snapshots, decision.snapshot)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.New(opApplyManual, "write_failed", err)
	}
	for _, override := range overrides {
		metrics.HistoryDays.WithLabelValues(override.Platform.String(), "manual").Inc()
	}
	return snapshots, nil
}

func (o ManualOverride) snapshot(now time.Time) Snapshot {
	state := StateProvisional
	if o.IsFinal {
		state = StateFinal
	}
	return Snapshot{
		UserID:       o.UserID,
		Platform:     o.Platform.String(),
		Day:          o.Day.String(),
		Count:        o.Count,
		Views:        o.Views,
		Likes:        o.Likes,
		Comments:     o.Comments,
		Shares:       o.Shares,
		ProfileViews: o.ProfileViews,
		IsManual:     true,
		State:        string(state),
		Source:       string(SourceManual),
		ObservedAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (o ManualOverride) validate() error {
	if strings.TrimSpace(o.UserID) == "" {
		return fmt.Errorf("%w: missing user", ErrInvalidOverride)
	}
	if _, err := platform.ParsePlatform(o.Platform.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOverride, err)
	}
	if o.Day.IsZero() {
		return fmt.Errorf("%w: missing date", ErrInvalidOverride)
	}
	for _, value := range []int64{o.Count, o.Views, o.Likes, o.Comments, o.Shares, o.ProfileViews} {
		if value < 0 {
			return fmt.Errorf("%w: negative value", ErrInvalidOverride)
		}
	}
	return nil
}

// write resolves and persists one snapshot inside a transaction.
func (r *Reconciler) write(ctx context.Context, incoming Snapshot) (writeDecision, error) {
	var decision writeDecision
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		decision, err = writeIn(tx, incoming)
		return err
	})
	return decision, err
}

// writeIn resolves incoming against the stored day inside tx and persists the winner.
func writeIn(tx *gorm.DB, incoming Snapshot) (writeDecision, error) {
	existing, err := lockDay(tx, incoming.UserID, incoming.Platform, incoming.Day)
	if err != nil {
		return writeDecision{}, err
	}
	decision := resolveWrite(existing, incoming)
	if !decision.persist() {
		return decision, nil
	}
	if existing != nil {
		return decision, tx.Save(&decision.snapshot).Error
	}

	insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&decision.snapshot)
	if insert.Error != nil {
		return decision, insert.Error
	}
	if insert.RowsAffected > 0 {
		return decision, nil
	}
	existing, err = lockDay(tx, incoming.UserID, incoming.Platform, incoming.Day)
	if err != nil {
		return writeDecision{}, err
	}
	decision = resolveWrite(existing, incoming)
	if !decision.persist() {
		return decision, nil
	}
	return decision, tx.Save(&decision.snapshot).Error
}

func lockDay(tx *gorm.DB, userID, platformName, day string) (*Snapshot, error) {
	var existing Snapshot
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND platform = ? AND day = ?", userID, platformName, day).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (r *Reconciler) countDecision(p platform.Platform, decision writeDecision) {
	switch {
	case decision.accepted:
		metrics.HistoryDays.WithLabelValues(p.String(), "written").Inc()
	case decision.baselineOnly:
		metrics.HistoryDays.WithLabelValues(p.String(), "baseline_only").Inc()
	default:
		metrics.HistoryDays.WithLabelValues(p.String(), "skipped_final").Inc()
	}
}

func clampedDelta(current, previous int64) int64 {
	if current <= previous {
		return 0
	}
	return current - previous
}

func nonNegative(value int64) int64 {
	if value < 0 {
		return 0
	}
	return value
}

func (r *Reconciler) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("history reconciler error", attrs...)
}
