// Package syncer drives one synchronization pass per platform: counters, catalog pages,
// enrichment and history reconciliation.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/apperrors"
	"github.com/MarcoPoloResearchLab/pulse/internal/calendar"
	"github.com/MarcoPoloResearchLab/pulse/internal/catalog"
	"github.com/MarcoPoloResearchLab/pulse/internal/history"
	"github.com/MarcoPoloResearchLab/pulse/internal/metrics"
	"github.com/MarcoPoloResearchLab/pulse/internal/platform"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	opOrchestratorNew = "syncer.orchestrator.new"
	opSync            = "syncer.sync"
	opSyncAll         = "syncer.sync_all"

	defaultMaxPages         = 100
	defaultReportLagDays    = 2
	defaultReportWindowDays = 35
)

// lifetimeStart is the earliest date accepted by the reporting API for lifetime aggregates.
var lifetimeStart = time.Date(2006, time.January, 1, 0, 0, 0, 0, time.UTC)

var (
	errMissingConnectors = errors.New("connector factory is required")
	errMissingCatalog    = errors.New("catalog writer is required")
	errMissingHistory    = errors.New("history writer is required")
	errMissingUserID     = errors.New("user identifier is required")
)

// HistoryMode selects how a platform's daily history is reconciled.
type HistoryMode string

const (
	// HistoryAnchor reconstructs past days from a lagged day report anchored on the live count.
	HistoryAnchor HistoryMode = "anchor"
	// HistoryForward differences lifetime totals against the previous observation.
	HistoryForward HistoryMode = "forward"
)

// Policy tunes the sync of one platform.
type Policy struct {
	History          HistoryMode
	MaxPages         int
	ReportLagDays    int
	ReportWindowDays int
	Enrich           bool
}

// DefaultPolicies returns the reconciliation mode each platform supports.
func DefaultPolicies() map[platform.Platform]Policy {
	return map[platform.Platform]Policy{
		platform.YouTube: {History: HistoryAnchor, MaxPages: defaultMaxPages, ReportLagDays: defaultReportLagDays, ReportWindowDays: defaultReportWindowDays, Enrich: true},
		platform.TikTok:  {History: HistoryForward, MaxPages: defaultMaxPages},
	}
}

// ConnectorFactory returns the connector of a user on a platform.
type ConnectorFactory interface {
	Connector(ctx context.Context, userID string, p platform.Platform) (platform.Connector, error)
}

// CatalogWriter stores listed content.
type CatalogWriter interface {
	UpsertBatch(ctx context.Context, userID string, items []platform.RawItem) (catalog.BatchResult, error)
	Enrich(ctx context.Context, p platform.Platform, enrichments []catalog.Enrichment) (int, error)
	Totals(ctx context.Context, userID string, p platform.Platform) (catalog.Totals, error)
}

// HistoryWriter stores daily snapshots.
type HistoryWriter interface {
	ReconstructFromAnchor(ctx context.Context, input history.AnchorInput) (history.WriteResult, error)
	RecordLive(ctx context.Context, input history.LiveInput) (history.Snapshot, bool, error)
	RecordForwardDifference(ctx context.Context, input history.ForwardInput) (history.ForwardResult, error)
}

// RunRecorder persists sync summaries.
type RunRecorder interface {
	Record(ctx context.Context, userID string, summary Summary) error
}

type OrchestratorConfig struct {
	Connectors ConnectorFactory
	Catalog    CatalogWriter
	History    HistoryWriter
	Runs       RunRecorder
	Policies   map[platform.Platform]Policy
	Location   *time.Location
	Clock      func() time.Time
	Logger     *zap.Logger

	// MaxParallel bounds concurrent platform syncs in SyncAll. Zero means no bound.
	MaxParallel int
}

// Orchestrator runs platform syncs.
type Orchestrator struct {
	connectors  ConnectorFactory
	catalog     CatalogWriter
	history     HistoryWriter
	runs        RunRecorder
	policies    map[platform.Platform]Policy
	location    *time.Location
	clock       func() time.Time
	logger      *zap.Logger
	maxParallel int
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Connectors == nil {
		return nil, apperrors.New(opOrchestratorNew, "missing_connectors", errMissingConnectors)
	}
	if cfg.Catalog == nil {
		return nil, apperrors.New(opOrchestratorNew, "missing_catalog", errMissingCatalog)
	}
	if cfg.History == nil {
		return nil, apperrors.New(opOrchestratorNew, "missing_history", errMissingHistory)
	}
	policies := cfg.Policies
	if policies == nil {
		policies = DefaultPolicies()
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		connectors:  cfg.Connectors,
		catalog:     cfg.Catalog,
		history:     cfg.History,
		runs:        cfg.Runs,
		policies:    policies,
		location:    location,
		clock:       clock,
		logger:      logger,
		maxParallel: cfg.MaxParallel,
	}, nil
}

// AudienceSnapshot is the live account state observed at the start of a sync.
type AudienceSnapshot struct {
	Date         string `json:"date"`
	Followers    int64  `json:"followers"`
	Views        int64  `json:"views"`
	Likes        int64  `json:"likes"`
	ProfileViews int64  `json:"profile_views"`
}

// HistorySummary describes the history writes of a sync.
type HistorySummary struct {
	Mode         string               `json:"mode"`
	LiveWritten  bool                 `json:"live_written"`
	Written      int                  `json:"written"`
	SkippedFinal int                  `json:"skipped_final"`
	Provisional  int                  `json:"provisional"`
	Failed       int                  `json:"failed"`
	Gap          bool                 `json:"gap"`
	Delta        *history.Accumulated `json:"delta,omitempty"`
}

// Summary reports the outcome of one platform sync.
type Summary struct {
	RunID            string            `json:"run_id"`
	Platform         string            `json:"platform"`
	Outcome          string            `json:"outcome"`
	PostsProcessed   int               `json:"posts_processed"`
	Created          int               `json:"new"`
	Updated          int               `json:"updated"`
	Failed           int               `json:"failed"`
	Pages            int               `json:"pages"`
	Enriched         int               `json:"enriched"`
	AudienceSnapshot *AudienceSnapshot `json:"audience_snapshot"`
	History          HistorySummary    `json:"history"`
	Errors           []string          `json:"errors"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       time.Time         `json:"finished_at"`
}

func (s *Summary) addError(stage string, err error) {
	s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", stage, err))
}

// Sync runs one pass for p. Only an unusable connector, a failed account counter call or an
// unauthenticated listing return an error; every other failure is listed in the summary.
func (o *Orchestrator) Sync(ctx context.Context, userID string, p platform.Platform) (Summary, error) {
	summary := Summary{Platform: p.String(), Errors: []string{}, StartedAt: o.clock().UTC()}
	if runID, err := uuid.NewV7(); err == nil {
		summary.RunID = runID.String()
	} else {
		summary.RunID = uuid.NewString()
	}
	logger := o.logger.With(zap.String("platform", p.String()), zap.String("run_id", summary.RunID))

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return o.fail(ctx, userID, &summary, "user", apperrors.New(opSync, "missing_user_id", errMissingUserID))
	}
	policy, ok := o.policies[p]
	if !ok {
		return o.fail(ctx, userID, &summary, "policy", apperrors.New(opSync, "unsupported_platform", fmt.Errorf("no sync policy for %s", p)))
	}

	connector, err := o.connectors.Connector(ctx, userID, p)
	if err != nil {
		return o.fail(ctx, userID, &summary, "connector", err)
	}

	counters, err := connector.AccountCounter(ctx)
	if err != nil {
		logger.Warn("account counter unavailable", zap.Error(err))
		return o.fail(ctx, userID, &summary, "account_counter", err)
	}
	observedAt := counters.ObservedAt
	if observedAt.IsZero() {
		observedAt = o.clock()
	}
	today := calendar.DayOf(observedAt, o.location)
	summary.AudienceSnapshot = &AudienceSnapshot{
		Date:         today.String(),
		Followers:    counters.Followers,
		Views:        counters.Views,
		Likes:        counters.Likes,
		ProfileViews: counters.ProfileViews,
	}

	contentIDs, complete, err := o.syncCatalog(ctx, connector, userID, policy, &summary)
	if err != nil {
		return o.fail(ctx, userID, &summary, "list_content", err)
	}

	if policy.Enrich && len(contentIDs) > 0 {
		o.enrich(ctx, connector, p, today, contentIDs, &summary)
	}

	switch policy.History {
	case HistoryAnchor:
		o.reconcileAnchor(ctx, connector, userID, p, policy, today, counters, &summary)
	case HistoryForward:
		o.reconcileForward(ctx, userID, p, today, counters, complete, &summary)
	}

	summary.Outcome = OutcomeSucceeded
	if len(summary.Errors) > 0 {
		summary.Outcome = OutcomePartial
	}
	o.finish(ctx, userID, &summary)
	logger.Info("sync finished",
		zap.String("outcome", summary.Outcome),
		zap.Int("posts_processed", summary.PostsProcessed),
		zap.Int("created", summary.Created),
		zap.Int("updated", summary.Updated),
		zap.Int("failed", summary.Failed),
		zap.Int("errors", len(summary.Errors)))
	return summary, nil
}

// syncCatalog pages through the listing, committing each page before the next fetch. It returns
// the stored content ids and whether the listing was exhausted.
func (o *Orchestrator) syncCatalog(ctx context.Context, connector platform.Connector, userID string, policy Policy, summary *Summary) ([]string, bool, error) {
	maxPages := policy.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	contentIDs := make([]string, 0)
	seenCursors := map[string]bool{}
	cursor := ""
	for {
		page, err := connector.ListContent(ctx, cursor)
		if err != nil {
			if errors.Is(err, platform.ErrUnauthenticated) {
				return contentIDs, false, err
			}
			summary.addError("list_content", err)
			return contentIDs, false, nil
		}
		summary.Pages++

		batch, err := o.catalog.UpsertBatch(ctx, userID, page.Items)
		summary.Created += batch.Created
		summary.Updated += batch.Updated
		summary.Failed += batch.Failed
		summary.PostsProcessed += batch.Processed()
		for _, post := range batch.Posts {
			contentIDs = append(contentIDs, post.PlatformContentID)
		}
		if err != nil {
			summary.addError("upsert", err)
			return contentIDs, false, nil
		}

		if page.NextCursor == "" {
			return contentIDs, true, nil
		}
		if seenCursors[page.NextCursor] {
			summary.addError("list_content", fmt.Errorf("cursor %q repeated", page.NextCursor))
			return contentIDs, false, nil
		}
		if summary.Pages >= maxPages {
			summary.addError("list_content", fmt.Errorf("listing truncated after %d pages", maxPages))
			return contentIDs, false, nil
		}
		seenCursors[page.NextCursor] = true
		cursor = page.NextCursor
	}
}

func (o *Orchestrator) enrich(ctx context.Context, connector platform.Connector, p platform.Platform, today calendar.Day, contentIDs []string, summary *Summary) {
	rows, err := connector.Report(ctx, platform.ReportQuery{
		Start:      lifetimeStart,
		End:        today.Start(time.UTC),
		Metrics:    platform.ContentEnrichmentMetrics,
		Dimension:  platform.DimensionContent,
		ContentIDs: contentIDs,
	})
	if err != nil {
		summary.addError("enrich", err)
		return
	}
	enrichments := make([]catalog.Enrichment, 0, len(rows))
	for _, row := range rows {
		enrichment := catalog.Enrichment{ContentID: row.Key}
		enrichment.ReportedShares, _ = row.Int(platform.MetricShares)
		enrichment.AverageViewPercentage, _ = row.Float(platform.MetricAverageViewPercentage)
		enrichment.AverageViewDurationSeconds, _ = row.Int(platform.MetricAverageViewDuration)
		enrichment.EstimatedMinutesWatched, _ = row.Int(platform.MetricMinutesWatched)
		enrichment.SubscribersGained, _ = row.Int(platform.MetricFollowersGained)
		enrichments = append(enrichments, enrichment)
	}
	enriched, err := o.catalog.Enrich(ctx, p, enrichments)
	if err != nil {
		summary.addError("enrich", err)
	}
	summary.Enriched = enriched
}

func (o *Orchestrator) reconcileAnchor(ctx context.Context, connector platform.Connector, userID string, p platform.Platform, policy Policy, today calendar.Day, counters platform.AccountCounters, summary *Summary) {
	summary.History.Mode = string(HistoryAnchor)
	_, written, err := o.history.RecordLive(ctx, history.LiveInput{
		UserID:       userID,
		Platform:     p,
		Day:          today,
		Count:        counters.Followers,
		ProfileViews: counters.ProfileViews,
		Accumulated:  &history.Accumulated{Views: counters.Views, Likes: counters.Likes},
	})
	if err != nil {
		summary.addError("history_live", err)
	}
	summary.History.LiveWritten = written

	lag := policy.ReportLagDays
	if lag < 0 {
		lag = defaultReportLagDays
	}
	window := policy.ReportWindowDays
	if window <= 0 {
		window = defaultReportWindowDays
	}
	end := today.AddDays(-lag)
	start := today.AddDays(-window)
	rows, err := connector.Report(ctx, platform.ReportQuery{
		Start:     start.Start(time.UTC),
		End:       end.Start(time.UTC),
		Metrics:   platform.DailyGrowthMetrics,
		Dimension: platform.DimensionDay,
	})
	if err != nil {
		summary.History.Gap = true
		summary.addError("history_report", platform.NewError(platform.KindReconciliationGap, p, opSync, err))
		return
	}

	dayRows := make([]history.DayRow, 0, len(rows))
	for _, row := range rows {
		dayRow, err := history.DayRowFromReport(row)
		if err != nil {
			summary.addError("history_report", err)
			continue
		}
		dayRows = append(dayRows, dayRow)
	}
	if len(dayRows) == 0 {
		summary.History.Gap = true
		return
	}
	result, err := o.history.ReconstructFromAnchor(ctx, history.AnchorInput{
		UserID:       userID,
		Platform:     p,
		CurrentTotal: counters.Followers,
		Rows:         dayRows,
	})
	summary.History.Written = result.Written
	summary.History.SkippedFinal = result.SkippedFinal
	summary.History.Provisional = result.Provisional
	summary.History.Failed = result.Failed
	if err != nil {
		summary.addError("history_reconstruct", err)
	}
	if result.Failed > 0 {
		summary.addError("history_reconstruct", fmt.Errorf("%d day(s) failed to store", result.Failed))
	}
}

func (o *Orchestrator) reconcileForward(ctx context.Context, userID string, p platform.Platform, today calendar.Day, counters platform.AccountCounters, complete bool, summary *Summary) {
	summary.History.Mode = string(HistoryForward)
	if !complete {
		summary.History.Gap = true
		summary.addError("history_forward", platform.NewError(platform.KindReconciliationGap, p, opSync, errors.New("content listing incomplete, engagement delta skipped")))
		_, written, err := o.history.RecordLive(ctx, history.LiveInput{
			UserID:       userID,
			Platform:     p,
			Day:          today,
			Count:        counters.Followers,
			ProfileViews: counters.ProfileViews,
		})
		if err != nil {
			summary.addError("history_live", err)
		}
		summary.History.LiveWritten = written
		return
	}

	totals, err := o.catalog.Totals(ctx, userID, p)
	if err != nil {
		summary.History.Gap = true
		summary.addError("history_forward", err)
		return
	}
	result, err := o.history.RecordForwardDifference(ctx, history.ForwardInput{
		UserID:       userID,
		Platform:     p,
		Day:          today,
		Count:        counters.Followers,
		ProfileViews: counters.ProfileViews,
		Accumulated: history.Accumulated{
			Views:    totals.Views,
			Likes:    totals.Likes,
			Comments: totals.Comments,
			Shares:   totals.Shares,
		},
	})
	if err != nil {
		summary.addError("history_forward", err)
		return
	}
	delta := result.Delta
	summary.History.Delta = &delta
	summary.History.LiveWritten = result.Written
	if result.Written {
		summary.History.Written = 1
	}
}

func (o *Orchestrator) fail(ctx context.Context, userID string, summary *Summary, stage string, err error) (Summary, error) {
	summary.addError(stage, err)
	summary.Outcome = OutcomeFailed
	o.finish(ctx, userID, summary)
	o.logger.Warn("sync failed",
		zap.String("platform", summary.Platform),
		zap.String("run_id", summary.RunID),
		zap.String("stage", stage),
		zap.Error(err))
	return *summary, err
}

func (o *Orchestrator) finish(ctx context.Context, userID string, summary *Summary) {
	summary.FinishedAt = o.clock().UTC()
	metrics.SyncRuns.WithLabelValues(summary.Platform, summary.Outcome).Inc()
	metrics.SyncDuration.WithLabelValues(summary.Platform).Observe(summary.FinishedAt.Sub(summary.StartedAt).Seconds())
	if o.runs == nil || userID == "" {
		return
	}
	if err := o.runs.Record(context.WithoutCancel(ctx), userID, *summary); err != nil {
		o.logger.Warn("sync run not recorded", zap.String("run_id", summary.RunID), zap.Error(err))
	}
}

// SyncAll syncs every platform concurrently. A failing platform does not stop the others; its
// error is joined into the returned error and its summary still appears.
func (o *Orchestrator) SyncAll(ctx context.Context, userID string, platforms []platform.Platform) ([]Summary, error) {
	if len(platforms) == 0 {
		platforms = platform.All
	}
	summaries := make([]Summary, len(platforms))
	failures := make([]error, len(platforms))

	// Goroutines report failures through failures so one platform never cancels another.
	var group errgroup.Group
	if o.maxParallel > 0 {
		group.SetLimit(o.maxParallel)
	}
	for index, p := range platforms {
		group.Go(func() error {
			summary, err := o.Sync(ctx, userID, p)
			summaries[index] = summary
			if err != nil {
				failures[index] = fmt.Errorf("%s: %w", p, err)
			}
			return nil
		})
	}
	_ = group.Wait()

	if err := errors.Join(failures...); err != nil {
		return summaries, apperrors.New(opSyncAll, "platform_failed", err)
	}
	return summaries, nil
}
