// Package catalog stores the normalized post catalog keyed by (platform, content id).
package catalog

import (
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/platform"
)

// MetricsSchemaVersion is written into every stored metrics document.
const MetricsSchemaVersion = 1

// Metrics is the versioned metrics document of a post. Absent keys decode to zero.
// Views through DurationSeconds come from the primary listing and are replaced on every sync.
// The remaining fields are owned by the secondary reporting call and carried across syncs.
type Metrics struct {
	Version         int   `json:"v"`
	Views           int64 `json:"views"`
	Likes           int64 `json:"likes"`
	Comments        int64 `json:"comments"`
	Shares          int64 `json:"shares"`
	Saves           int64 `json:"saves"`
	DurationSeconds int64 `json:"duration_s"`

	ReportedShares             int64   `json:"reported_shares,omitempty"`
	AverageViewPercentage      float64 `json:"average_view_percentage,omitempty"`
	AverageViewDurationSeconds int64   `json:"average_view_duration_s,omitempty"`
	EstimatedMinutesWatched    int64   `json:"estimated_minutes_watched,omitempty"`
	SubscribersGained          int64   `json:"subscribers_gained,omitempty"`
	EnrichedAt                 int64   `json:"enriched_at_s,omitempty"`
}

// EffectiveShares prefers the reported share count when the report produced one.
func (m Metrics) EffectiveShares() int64 {
	if m.ReportedShares > 0 {
		return m.ReportedShares
	}
	return m.Shares
}

func (m Metrics) withEnrichmentFrom(previous Metrics) Metrics {
	m.ReportedShares = previous.ReportedShares
	m.AverageViewPercentage = previous.AverageViewPercentage
	m.AverageViewDurationSeconds = previous.AverageViewDurationSeconds
	m.EstimatedMinutesWatched = previous.EstimatedMinutesWatched
	m.SubscribersGained = previous.SubscribersGained
	m.EnrichedAt = previous.EnrichedAt
	return m
}

func metricsFromRaw(raw platform.RawMetrics, durationSeconds int64) Metrics {
	return Metrics{
		Version:         MetricsSchemaVersion,
		Views:           nonNegative(raw.Views),
		Likes:           nonNegative(raw.Likes),
		Comments:        nonNegative(raw.Comments),
		Shares:          nonNegative(raw.Shares),
		Saves:           nonNegative(raw.Saves),
		DurationSeconds: nonNegative(durationSeconds),
	}
}

func nonNegative(value int64) int64 {
	if value < 0 {
		return 0
	}
	return value
}

// Post is one content item in the catalog.
type Post struct {
	ID                uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID            string    `gorm:"column:user_id;size:190;not null;index:idx_posts_user_published,priority:1" json:"-"`
	Platform          string    `gorm:"column:platform;size:32;not null;uniqueIndex:idx_posts_platform_content,priority:1" json:"platform"`
	PlatformContentID string    `gorm:"column:platform_content_id;size:190;not null;uniqueIndex:idx_posts_platform_content,priority:2" json:"platform_content_id"`
	ContentType       string    `gorm:"column:content_type;size:32;not null" json:"content_type"`
	Title             string    `gorm:"column:title;type:text" json:"title"`
	Description       string    `gorm:"column:description;type:text" json:"description"`
	Tags              []string  `gorm:"column:tags;type:text;serializer:json" json:"tags"`
	URL               string    `gorm:"column:url;type:text" json:"url"`
	ThumbnailURL      string    `gorm:"column:thumbnail_url;type:text" json:"thumbnail_url"`
	PublishedAt       time.Time `gorm:"column:published_at;not null;index:idx_posts_user_published,priority:2" json:"published_at"`
	Metrics           Metrics   `gorm:"column:metrics;type:text;serializer:json" json:"metrics"`
	IsReference       bool      `gorm:"column:is_reference;not null;default:false" json:"is_reference"`
	LastSyncedAt      time.Time `gorm:"column:last_synced_at;not null" json:"last_synced_at"`
	CreatedAt         time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Post) TableName() string {
	return "posts"
}
