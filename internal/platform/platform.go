// Package platform defines the connector contract shared by the video platform adapters.
package platform

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Platform identifies a connected provider.
type Platform string

const (
	YouTube Platform = "youtube"
	TikTok  Platform = "tiktok"
)

// All lists the supported platforms in sync order.
var All = []Platform{YouTube, TikTok}

// ParsePlatform validates a platform name.
func ParsePlatform(raw string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(raw))) {
	case YouTube:
		return YouTube, nil
	case TikTok:
		return TikTok, nil
	default:
		return "", fmt.Errorf("platform: unknown platform %q", raw)
	}
}

func (p Platform) String() string {
	return string(p)
}

// RawMetrics carries the primary engagement counters reported for one content item.
type RawMetrics struct {
	Views    int64
	Likes    int64
	Comments int64
	Shares   int64
	Saves    int64
}

// RawItem is one content item as returned by a provider listing, before classification.
type RawItem struct {
	Platform        Platform
	ContentID       string
	Title           string
	Description     string
	Tags            []string
	URL             string
	Thumbnails      map[string]string
	PublishedAt     time.Time
	DurationSeconds int64
	Metrics         RawMetrics
}

// ContentPage is one page of a content listing. NextCursor is empty when the listing is exhausted.
type ContentPage struct {
	Items      []RawItem
	NextCursor string
}

// AccountCounters are the live cumulative account totals at the time of the call.
type AccountCounters struct {
	Followers    int64
	Views        int64
	Likes        int64
	ProfileViews int64
	ObservedAt   time.Time
}

// ReportDimension selects how report rows are keyed.
type ReportDimension string

const (
	DimensionDay     ReportDimension = "day"
	DimensionContent ReportDimension = "content"
)

// Canonical report metric names. Adapters translate them to provider names.
const (
	MetricViews                 = "views"
	MetricLikes                 = "likes"
	MetricComments              = "comments"
	MetricShares                = "shares"
	MetricFollowersGained       = "followers_gained"
	MetricFollowersLost         = "followers_lost"
	MetricAverageViewPercentage = "average_view_percentage"
	MetricAverageViewDuration   = "average_view_duration"
	MetricMinutesWatched        = "minutes_watched"
)

// DailyGrowthMetrics are requested for follower history reconstruction.
var DailyGrowthMetrics = []string{
	MetricViews, MetricFollowersGained, MetricFollowersLost, MetricLikes, MetricComments, MetricShares,
}

// ContentEnrichmentMetrics are requested per content id to enrich the catalog.
var ContentEnrichmentMetrics = []string{
	MetricAverageViewPercentage, MetricFollowersGained, MetricMinutesWatched, MetricAverageViewDuration, MetricShares,
}

// ReportQuery requests metrics over an inclusive date range.
type ReportQuery struct {
	Start      time.Time
	End        time.Time
	Metrics    []string
	Dimension  ReportDimension
	ContentIDs []string
}

// ReportRow holds the metric values for one dimension value. Metrics the provider omitted are absent from Values.
type ReportRow struct {
	Key    string
	Values map[string]float64
}

// Int returns the named metric rounded to an integer and whether it was present.
func (r ReportRow) Int(name string) (int64, bool) {
	value, ok := r.Values[name]
	if !ok {
		return 0, false
	}
	if value < 0 {
		return int64(value - 0.5), true
	}
	return int64(value + 0.5), true
}

// Float returns the named metric and whether it was present.
func (r ReportRow) Float(name string) (float64, bool) {
	value, ok := r.Values[name]
	return value, ok
}

// HasAll reports whether every named metric is present.
func (r ReportRow) HasAll(names []string) bool {
	for _, name := range names {
		if _, ok := r.Values[name]; !ok {
			return false
		}
	}
	return true
}

// Connector is the capability set every platform adapter exposes.
// Token refresh happens inside the adapter's authorized client.
type Connector interface {
	Platform() Platform
	ListContent(ctx context.Context, cursor string) (ContentPage, error)
	AccountCounter(ctx context.Context) (AccountCounters, error)
	Report(ctx context.Context, query ReportQuery) ([]ReportRow, error)
}
