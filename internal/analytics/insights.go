package analytics

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/apperrors"
	"github.com/MarcoPoloResearchLab/pulse/internal/catalog"
)

// ErrNoSummarizer indicates that no insight summarizer is configured.
var ErrNoSummarizer = errors.New("analytics: no summarizer configured")

// PostExcerpt is the slice of a post the summarizer sees.
type PostExcerpt struct {
	ID                    uint      `json:"id"`
	Platform              string    `json:"platform"`
	ContentType           string    `json:"content_type"`
	Title                 string    `json:"title"`
	URL                   string    `json:"url,omitempty"`
	PublishedAt           time.Time `json:"published_at"`
	DurationSeconds       int64     `json:"duration_seconds"`
	Views                 int64     `json:"views"`
	Likes                 int64     `json:"likes"`
	Comments              int64     `json:"comments"`
	Shares                int64     `json:"shares"`
	AverageViewPercentage float64   `json:"average_view_percentage,omitempty"`
	SubscribersGained     int64     `json:"subscribers_gained,omitempty"`
	EngagementRate        float64   `json:"engagement_rate"`
	IsReference           bool      `json:"is_reference"`
}

func excerptOf(post catalog.Post) PostExcerpt {
	metrics := post.Metrics
	return PostExcerpt{
		ID:                    post.ID,
		Platform:              post.Platform,
		ContentType:           post.ContentType,
		Title:                 post.Title,
		URL:                   post.URL,
		PublishedAt:           post.PublishedAt,
		DurationSeconds:       metrics.DurationSeconds,
		Views:                 metrics.Views,
		Likes:                 metrics.Likes,
		Comments:              metrics.Comments,
		Shares:                metrics.EffectiveShares(),
		AverageViewPercentage: metrics.AverageViewPercentage,
		SubscribersGained:     metrics.SubscribersGained,
		EngagementRate:        NewRatios(metrics.Views, metrics.Likes, metrics.Comments, metrics.EffectiveShares(), 0).EngagementRate,
		IsReference:           post.IsReference,
	}
}

// InsightPayload is the structured input handed to a summarizer.
type InsightPayload struct {
	Period     Range         `json:"period"`
	Daily      []DailyPoint  `json:"daily"`
	TopPosts   []PostExcerpt `json:"top_posts"`
	References []PostExcerpt `json:"reference_posts"`
	Efficiency Efficiency    `json:"efficiency"`
}

// Insight is the structured answer of a summarizer.
type Insight struct {
	Summary         string   `json:"summary"`
	Highlights      []string `json:"highlights,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Summarizer turns a payload into an insight. Implementations live outside this module.
type Summarizer interface {
	Summarize(ctx context.Context, payload InsightPayload) (Insight, error)
}

// InsightPayload assembles the daily series, the most viewed posts published in r, every
// reference post and the efficiency ratios of r.
func (s *Service) InsightPayload(ctx context.Context, userID string, r Range) (InsightPayload, error) {
	daily, err := s.DailyGrowth(ctx, userID, r)
	if err != nil {
		return InsightPayload{}, apperrors.New(opInsight, "daily_failed", err)
	}
	published, err := s.catalog.List(ctx, catalog.Filter{
		UserID:        userID,
		PublishedFrom: s.startOf(r),
		PublishedTo:   s.endOf(r),
		OrderByViews:  true,
	})
	if err != nil {
		s.logError(opInsight, "catalog_query_failed", err)
		return InsightPayload{}, apperrors.New(opInsight, "catalog_query_failed", err)
	}
	references, err := s.catalog.List(ctx, catalog.Filter{UserID: userID, ReferenceOnly: true})
	if err != nil {
		s.logError(opInsight, "catalog_query_failed", err)
		return InsightPayload{}, apperrors.New(opInsight, "catalog_query_failed", err)
	}

	payload := InsightPayload{
		Period:     r,
		Daily:      daily,
		TopPosts:   make([]PostExcerpt, 0, s.topPosts),
		References: make([]PostExcerpt, 0, len(references)),
		Efficiency: s.efficiency(r, daily, published),
	}
	for index, post := range published {
		if index >= s.topPosts {
			break
		}
		payload.TopPosts = append(payload.TopPosts, excerptOf(post))
	}
	for _, post := range references {
		payload.References = append(payload.References, excerptOf(post))
	}
	return payload, nil
}

// Summarize builds the payload for r and forwards it to summarizer.
func (s *Service) Summarize(ctx context.Context, summarizer Summarizer, userID string, r Range) (Insight, error) {
	if summarizer == nil {
		return Insight{}, apperrors.New(opInsight, "no_summarizer", ErrNoSummarizer)
	}
	payload, err := s.InsightPayload(ctx, userID, r)
	if err != nil {
		return Insight{}, err
	}
	insight, err := summarizer.Summarize(ctx, payload)
	if err != nil {
		s.logError(opInsight, "summarizer_failed", err)
		return Insight{}, apperrors.New(opInsight, "summarizer_failed", err)
	}
	return insight, nil
}
