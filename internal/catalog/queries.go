package catalog

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/apperrors"
	"github.com/MarcoPoloResearchLab/pulse/internal/metrics"
	"github.com/MarcoPoloResearchLab/pulse/internal/platform"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Filter narrows a post listing. Zero fields do not filter.
type Filter struct {
	UserID        string
	Platform      platform.Platform
	ContentType   platform.ContentType
	PublishedFrom time.Time
	PublishedTo   time.Time
	ReferenceOnly bool
	OrderByViews  bool
	Limit         int
}

// List returns posts newest first, or by descending views when OrderByViews is set.
func (s *Service) List(ctx context.Context, filter Filter) ([]Post, error) {
	if filter.UserID == "" {
		s.logError(opListPosts, "missing_user_id", errMissingUserID)
		return nil, apperrors.New(opListPosts, "missing_user_id", errMissingUserID)
	}

	query := s.db.WithContext(ctx).Where("user_id = ?", filter.UserID)
	if filter.Platform != "" {
		query = query.Where("platform = ?", filter.Platform.String())
	}
	if filter.ContentType != "" {
		query = query.Where("content_type = ?", string(filter.ContentType))
	}
	if !filter.PublishedFrom.IsZero() {
		query = query.Where("published_at >= ?", filter.PublishedFrom.UTC())
	}
	if !filter.PublishedTo.IsZero() {
		query = query.Where("published_at < ?", filter.PublishedTo.UTC())
	}
	if filter.ReferenceOnly {
		query = query.Where("is_reference = ?", true)
	}
	if filter.Limit > 0 && !filter.OrderByViews {
		query = query.Limit(filter.Limit)
	}

	var posts []Post
	if err := query.Order("published_at DESC").Order("id DESC").Find(&posts).Error; err != nil {
		s.logError(opListPosts, "query_failed", err, zap.String("user_id", filter.UserID))
		return nil, apperrors.New(opListPosts, "query_failed", err)
	}

	if filter.OrderByViews {
		sort.SliceStable(posts, func(i, j int) bool {
			return posts[i].Metrics.Views > posts[j].Metrics.Views
		})
		if filter.Limit > 0 && len(posts) > filter.Limit {
			posts = posts[:filter.Limit]
		}
	}
	return posts, nil
}

// Get returns the post with id owned by userID.
func (s *Service) Get(ctx context.Context, userID string, id uint) (Post, error) {
	var post Post
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Take(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Post{}, apperrors.New(opGetPost, "not_found", ErrPostNotFound)
	}
	if err != nil {
		s.logError(opGetPost, "query_failed", err, zap.Uint("post_id", id))
		return Post{}, apperrors.New(opGetPost, "query_failed", err)
	}
	return post, nil
}

// Delete removes a post. The next sync recreates it if the provider still lists it.
func (s *Service) Delete(ctx context.Context, userID string, id uint) error {
	result := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&Post{})
	if result.Error != nil {
		s.logError(opDeletePost, "delete_failed", result.Error, zap.Uint("post_id", id))
		return apperrors.New(opDeletePost, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.New(opDeletePost, "not_found", ErrPostNotFound)
	}
	return nil
}

// ToggleReference flips the reference flag and returns its new value.
func (s *Service) ToggleReference(ctx context.Context, userID string, id uint) (bool, error) {
	var flagged bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var post Post
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ?", id, userID).
			Take(&post).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.New(opToggleReference, "not_found", ErrPostNotFound)
		}
		if err != nil {
			return apperrors.New(opToggleReference, "query_failed", err)
		}
		flagged = !post.IsReference
		if err := tx.Model(&Post{}).Where("id = ?", post.ID).Update("is_reference", flagged).Error; err != nil {
			return apperrors.New(opToggleReference, "update_failed", err)
		}
		return nil
	})
	if err != nil {
		s.logError(opToggleReference, "transaction_failed", err, zap.Uint("post_id", id))
		return false, err
	}
	return flagged, nil
}

// Totals sums metrics across the catalog of one platform.
type Totals struct {
	Posts    int   `json:"posts"`
	Views    int64 `json:"views"`
	Likes    int64 `json:"likes"`
	Comments int64 `json:"comments"`
	Shares   int64 `json:"shares"`
}

// Totals returns the lifetime sum of post metrics for userID on p.
func (s *Service) Totals(ctx context.Context, userID string, p platform.Platform) (Totals, error) {
	var posts []Post
	if err := s.db.WithContext(ctx).
		Select("id", "metrics").
		Where("user_id = ? AND platform = ?", userID, p.String()).
		Find(&posts).Error; err != nil {
		s.logError(opTotals, "query_failed", err, zap.String("platform", p.String()))
		return Totals{}, apperrors.New(opTotals, "query_failed", err)
	}
	return SumMetrics(posts), nil
}

// SumMetrics totals post metrics, counting reported shares where present.
func SumMetrics(posts []Post) Totals {
	totals := Totals{Posts: len(posts)}
	for _, post := range posts {
		totals.Views += post.Metrics.Views
		totals.Likes += post.Metrics.Likes
		totals.Comments += post.Metrics.Comments
		totals.Shares += post.Metrics.EffectiveShares()
	}
	return totals
}

// Enrichment carries per-content values from a reporting call.
type Enrichment struct {
	ContentID                  string
	ReportedShares             int64
	AverageViewPercentage      float64
	AverageViewDurationSeconds int64
	EstimatedMinutesWatched    int64
	SubscribersGained          int64
}

// Enrich merges reporting values into existing posts and returns how many posts changed.
// Content ids not in the catalog are ignored.
func (s *Service) Enrich(ctx context.Context, p platform.Platform, enrichments []Enrichment) (int, error) {
	enriched := 0
	now := s.clock().UTC().Unix()
	for _, enrichment := range enrichments {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var post Post
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("platform = ? AND platform_content_id = ?", p.String(), enrichment.ContentID).
				Take(&post).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			post.Metrics.ReportedShares = nonNegative(enrichment.ReportedShares)
			post.Metrics.AverageViewPercentage = enrichment.AverageViewPercentage
			post.Metrics.AverageViewDurationSeconds = nonNegative(enrichment.AverageViewDurationSeconds)
			post.Metrics.EstimatedMinutesWatched = nonNegative(enrichment.EstimatedMinutesWatched)
			post.Metrics.SubscribersGained = nonNegative(enrichment.SubscribersGained)
			post.Metrics.EnrichedAt = now
			if post.Metrics.Version == 0 {
				post.Metrics.Version = MetricsSchemaVersion
			}
			if err := tx.Save(&post).Error; err != nil {
				return err
			}
			enriched++
			return nil
		})
		if err != nil {
			s.logError(opEnrich, "item_enrich_failed", err,
				zap.String("platform", p.String()),
				zap.String("content_id", enrichment.ContentID))
			metrics.CatalogItems.WithLabelValues(p.String(), "enrich_failed").Inc()
			continue
		}
	}
	return enriched, nil
}
