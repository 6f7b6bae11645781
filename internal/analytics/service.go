// Package analytics rolls stored history and catalog data into zero-filled series and ratios.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/apperrors"
	"github.com/MarcoPoloResearchLab/pulse/internal/calendar"
	"github.com/MarcoPoloResearchLab/pulse/internal/catalog"
	"github.com/MarcoPoloResearchLab/pulse/internal/history"
	"github.com/MarcoPoloResearchLab/pulse/internal/platform"
	"go.uber.org/zap"
)

const (
	defaultDailyLagDays    = 3
	defaultDailyWindowDays = 31
	defaultTopPosts        = 10
	audienceGrowthDays     = 30
	maxRangeDays           = 731
)

var (
	errMissingHistory = errors.New("history reader is required")
	errMissingCatalog = errors.New("catalog reader is required")
	// ErrInvalidRange indicates an inverted, empty or oversized date range.
	ErrInvalidRange = errors.New("analytics: invalid date range")
	noOpLogger      = zap.NewNop()
)

const (
	opServiceNew = "analytics.service.new"
	opDaily      = "analytics.daily_growth"
	opWeekly     = "analytics.weekly_growth"
	opMonthly    = "analytics.monthly_growth"
	opAudience   = "analytics.audience"
	opEfficiency = "analytics.efficiency"
	opInsight    = "analytics.insight_payload"
)

// HistoryReader exposes the stored daily snapshots.
type HistoryReader interface {
	ListRange(ctx context.Context, userID string, p platform.Platform, from, to calendar.Day) ([]history.Snapshot, error)
	LatestBefore(ctx context.Context, userID string, p platform.Platform, day calendar.Day) (*history.Snapshot, error)
	LatestAutomated(ctx context.Context, userID string, p platform.Platform, day calendar.Day) (*history.Snapshot, error)
}

// CatalogReader exposes the stored posts.
type CatalogReader interface {
	List(ctx context.Context, filter catalog.Filter) ([]catalog.Post, error)
}

type ServiceConfig struct {
	History         HistoryReader
	Catalog         CatalogReader
	Platforms       []platform.Platform
	Location        *time.Location
	DailyLagDays    int
	DailyWindowDays int
	TopPosts        int
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Service answers dashboard and reporting queries.
type Service struct {
	history         HistoryReader
	catalog         CatalogReader
	platforms       []platform.Platform
	location        *time.Location
	dailyLagDays    int
	dailyWindowDays int
	topPosts        int
	clock           func() time.Time
	logger          *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.History == nil {
		return nil, apperrors.New(opServiceNew, "missing_history", errMissingHistory)
	}
	if cfg.Catalog == nil {
		return nil, apperrors.New(opServiceNew, "missing_catalog", errMissingCatalog)
	}
	platforms := cfg.Platforms
	if len(platforms) == 0 {
		platforms = platform.All
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	lag := cfg.DailyLagDays
	if lag < 0 {
		lag = defaultDailyLagDays
	}
	window := cfg.DailyWindowDays
	if window <= 0 {
		window = defaultDailyWindowDays
	}
	topPosts := cfg.TopPosts
	if topPosts <= 0 {
		topPosts = defaultTopPosts
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		history:         cfg.History,
		catalog:         cfg.Catalog,
		platforms:       platforms,
		location:        location,
		dailyLagDays:    lag,
		dailyWindowDays: window,
		topPosts:        topPosts,
		clock:           clock,
		logger:          logger,
	}, nil
}

// Today returns the current civil date in the configured location.
func (s *Service) Today() calendar.Day {
	return calendar.DayOf(s.clock(), s.location)
}

// DefaultDailyRange ends dailyLagDays before today so lagging reports have settled.
func (s *Service) DefaultDailyRange() Range {
	end := s.Today().AddDays(-s.dailyLagDays)
	return Range{Start: end.AddDays(-(s.dailyWindowDays - 1)), End: end}
}

// Range is an inclusive span of days.
type Range struct {
	Start calendar.Day
	End   calendar.Day
}

// MarshalJSON renders the range as dates.
func (r Range) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`{"start_date":%q,"end_date":%q}`, r.Start.String(), r.End.String())), nil
}

func (r Range) validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("%w: missing bound", ErrInvalidRange)
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidRange, r.End, r.Start)
	}
	if r.Start.DaysUntil(r.End) >= maxRangeDays {
		return fmt.Errorf("%w: more than %d days", ErrInvalidRange, maxRangeDays)
	}
	return nil
}

// Growth is the follower and engagement movement of one platform over a bucket.
type Growth struct {
	NetGrowth    int64 `json:"net_growth"`
	Views        int64 `json:"views"`
	Likes        int64 `json:"likes"`
	Comments     int64 `json:"comments"`
	Shares       int64 `json:"shares"`
	ProfileViews int64 `json:"profile_views"`
}

func (g *Growth) add(other Growth) {
	g.NetGrowth += other.NetGrowth
	g.Views += other.Views
	g.Likes += other.Likes
	g.Comments += other.Comments
	g.Shares += other.Shares
	g.ProfileViews += other.ProfileViews
}

func engagementOf(snapshot history.Snapshot) Growth {
	return Growth{
		Views:        snapshot.Views,
		Likes:        snapshot.Likes,
		Comments:     snapshot.Comments,
		Shares:       snapshot.Shares,
		ProfileViews: snapshot.ProfileViews,
	}
}

// DailyPoint is one day of the daily series.
type DailyPoint struct {
	Date      string            `json:"date"`
	Label     string            `json:"day"`
	Platforms map[string]Growth `json:"platforms"`
}

// DailyGrowth returns one point per day in r. A day's net growth is its count minus the latest
// earlier positive count; it is zero when either is unknown.
func (s *Service) DailyGrowth(ctx context.Context, userID string, r Range) ([]DailyPoint, error) {
	if err := r.validate(); err != nil {
		return nil, apperrors.New(opDaily, "invalid_range", err)
	}
	days := calendar.Range(r.Start, r.End)
	points := make([]DailyPoint, len(days))
	for index, day := range days {
		points[index] = DailyPoint{Date: day.String(), Label: day.ShortLabel(), Platforms: make(map[string]Growth, len(s.platforms))}
	}

	for _, p := range s.platforms {
		series, err := s.dailySeries(ctx, userID, p, r)
		if err != nil {
			s.logError(opDaily, "history_query_failed", err, zap.String("platform", p.String()))
			return nil, apperrors.New(opDaily, "history_query_failed", err)
		}
		for index := range days {
			points[index].Platforms[p.String()] = series[index]
		}
	}
	return points, nil
}

// dailySeries returns one Growth per day of r for p.
func (s *Service) dailySeries(ctx context.Context, userID string, p platform.Platform, r Range) ([]Growth, error) {
	previous, err := s.history.LatestBefore(ctx, userID, p, r.Start)
	if err != nil {
		return nil, err
	}
	snapshots, err := s.history.ListRange(ctx, userID, p, r.Start, r.End)
	if err != nil {
		return nil, err
	}
	byDay := make(map[string]history.Snapshot, len(snapshots))
	for _, snapshot := range snapshots {
		byDay[snapshot.Day] = snapshot
	}

	var lastCount int64
	if previous != nil {
		lastCount = previous.Count
	}
	days := calendar.Range(r.Start, r.End)
	series := make([]Growth, len(days))
	for index, day := range days {
		snapshot, ok := byDay[day.String()]
		if !ok {
			continue
		}
		growth := engagementOf(snapshot)
		if lastCount > 0 && snapshot.Count > 0 {
			growth.NetGrowth = snapshot.Count - lastCount
		}
		if snapshot.Count > 0 {
			lastCount = snapshot.Count
		}
		series[index] = growth
	}
	return series, nil
}

// WeeklyPoint aggregates the days of one ISO week that fall inside the requested range.
type WeeklyPoint struct {
	Week      string            `json:"week"`
	StartDate string            `json:"start_date"`
	Platforms map[string]Growth `json:"platforms"`
}

// WeeklyGrowth sums the daily series by ISO week. Every week touching r appears.
func (s *Service) WeeklyGrowth(ctx context.Context, userID string, r Range) ([]WeeklyPoint, error) {
	daily, err := s.DailyGrowth(ctx, userID, r)
	if err != nil {
		return nil, apperrors.New(opWeekly, "daily_failed", err)
	}
	weeks := make([]WeeklyPoint, 0, len(daily)/7+2)
	index := map[string]int{}
	for _, point := range daily {
		day, _ := calendar.ParseDay(point.Date)
		key := day.WeekKey()
		position, ok := index[key]
		if !ok {
			position = len(weeks)
			index[key] = position
			weeks = append(weeks, WeeklyPoint{Week: key, StartDate: day.WeekStart().String(), Platforms: make(map[string]Growth, len(s.platforms))})
		}
		for name, growth := range point.Platforms {
			total := weeks[position].Platforms[name]
			total.add(growth)
			weeks[position].Platforms[name] = total
		}
	}
	return weeks, nil
}

// MonthlyPoint aggregates one calendar month.
type MonthlyPoint struct {
	Month     string            `json:"month"`
	Name      string            `json:"name"`
	Platforms map[string]Growth `json:"platforms"`
}

// MonthlyGrowth returns one point per month from r.Start's month to r.End's month. Net growth is
// the last count of the month minus the last count before it, floored at zero; engagement is the
// sum of the month's daily deltas.
func (s *Service) MonthlyGrowth(ctx context.Context, userID string, r Range) ([]MonthlyPoint, error) {
	if err := r.validate(); err != nil {
		return nil, apperrors.New(opMonthly, "invalid_range", err)
	}
	first := r.Start.MonthStart()
	last := r.End.MonthStart()

	months := make([]MonthlyPoint, 0)
	for current := first; !current.After(last); current = current.MonthEnd().AddDays(1) {
		months = append(months, MonthlyPoint{Month: current.MonthKey(), Name: current.MonthLabel(), Platforms: make(map[string]Growth, len(s.platforms))})
	}

	for _, p := range s.platforms {
		previous, err := s.history.LatestBefore(ctx, userID, p, first)
		if err != nil {
			s.logError(opMonthly, "history_query_failed", err, zap.String("platform", p.String()))
			return nil, apperrors.New(opMonthly, "history_query_failed", err)
		}
		snapshots, err := s.history.ListRange(ctx, userID, p, first, last.MonthEnd())
		if err != nil {
			s.logError(opMonthly, "history_query_failed", err, zap.String("platform", p.String()))
			return nil, apperrors.New(opMonthly, "history_query_failed", err)
		}

		var lastCount int64
		if previous != nil {
			lastCount = previous.Count
		}
		cursor := 0
		for index := range months {
			monthKey := months[index].Month
			initial := lastCount
			total := Growth{}
			for cursor < len(snapshots) && snapshots[cursor].ParsedDay().MonthKey() == monthKey {
				snapshot := snapshots[cursor]
				total.add(engagementOf(snapshot))
				if snapshot.Count > 0 {
					lastCount = snapshot.Count
				}
				cursor++
			}
			if initial > 0 && lastCount > initial {
				total.NetGrowth = lastCount - initial
			}
			months[index].Platforms[p.String()] = total
		}
	}
	return months, nil
}

// AudienceEntry is the latest automated follower count of one platform.
type AudienceEntry struct {
	Count       int64  `json:"count"`
	Date        string `json:"date,omitempty"`
	Growth30d   int64  `json:"growth_30d"`
	HasBaseline bool   `json:"has_baseline"`
}

// Audience returns, per platform, the latest automated count and its change over the last 30 days.
func (s *Service) Audience(ctx context.Context, userID string) (map[string]AudienceEntry, error) {
	today := s.Today()
	audience := make(map[string]AudienceEntry, len(s.platforms))
	for _, p := range s.platforms {
		latest, err := s.history.LatestAutomated(ctx, userID, p, today)
		if err != nil {
			s.logError(opAudience, "history_query_failed", err, zap.String("platform", p.String()))
			return nil, apperrors.New(opAudience, "history_query_failed", err)
		}
		entry := AudienceEntry{}
		if latest != nil {
			entry.Count = latest.Count
			entry.Date = latest.Day
			past, err := s.history.LatestAutomated(ctx, userID, p, today.AddDays(-audienceGrowthDays))
			if err != nil {
				s.logError(opAudience, "history_query_failed", err, zap.String("platform", p.String()))
				return nil, apperrors.New(opAudience, "history_query_failed", err)
			}
			if past != nil {
				entry.Growth30d = latest.Count - past.Count
				entry.HasBaseline = true
			}
		}
		audience[p.String()] = entry
	}
	return audience, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("analytics service error", attrs...)
}
