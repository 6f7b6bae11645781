package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/apperrors"
	"github.com/MarcoPoloResearchLab/pulse/internal/metrics"
	"github.com/MarcoPoloResearchLab/pulse/internal/platform"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxIdentifierLength = 190

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
	// ErrInvalidItem indicates a listed item that cannot be stored.
	ErrInvalidItem = errors.New("catalog: invalid item")
	// ErrPostNotFound indicates that no post matches the identifier.
	ErrPostNotFound = errors.New("catalog: post not found")
	noOpLogger      = zap.NewNop()
)

const (
	opServiceNew      = "catalog.service.new"
	opUpsertBatch     = "catalog.upsert_batch"
	opEnrich          = "catalog.enrich"
	opListPosts       = "catalog.list_posts"
	opGetPost         = "catalog.get_post"
	opDeletePost      = "catalog.delete_post"
	opToggleReference = "catalog.toggle_reference"
	opTotals          = "catalog.totals"
)

// thumbnailPriority orders provider thumbnail keys from most to least preferred.
var thumbnailPriority = []string{"maxres", "standard", "high", "medium", "default", "cover"}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	// beforeInsert runs between the lookup and the insert of a new post.
	beforeInsert func()
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperrors.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// ItemFailure describes one item skipped during a batch.
type ItemFailure struct {
	ContentID string `json:"content_id"`
	Reason    string `json:"reason"`
}

// BatchResult counts the outcome of an upsert batch.
type BatchResult struct {
	Created  int           `json:"created"`
	Updated  int           `json:"updated"`
	Failed   int           `json:"failed"`
	Failures []ItemFailure `json:"failures,omitempty"`
	Posts    []Post        `json:"-"`
}

// Add accumulates another batch into r.
func (r *BatchResult) Add(other BatchResult) {
	r.Created += other.Created
	r.Updated += other.Updated
	r.Failed += other.Failed
	r.Failures = append(r.Failures, other.Failures...)
	r.Posts = append(r.Posts, other.Posts...)
}

// Processed returns the number of items that reached storage.
func (r BatchResult) Processed() int {
	return r.Created + r.Updated
}

// UpsertBatch reconciles listed items into the catalog. Items commit one at a time; an item that
// fails validation or storage is counted and skipped. Only a missing user or a cancelled context
// fails the batch.
func (s *Service) UpsertBatch(ctx context.Context, userID string, items []platform.RawItem) (BatchResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		s.logError(opUpsertBatch, "missing_user_id", errMissingUserID)
		return BatchResult{}, apperrors.New(opUpsertBatch, "missing_user_id", errMissingUserID)
	}

	result := BatchResult{}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return result, apperrors.New(opUpsertBatch, "cancelled", err)
		}

		post, err := s.normalize(userID, item)
		if err != nil {
			result.Failed++
			result.Failures = append(result.Failures, ItemFailure{ContentID: item.ContentID, Reason: err.Error()})
			metrics.CatalogItems.WithLabelValues(item.Platform.String(), "failed").Inc()
			s.logger.Warn("catalog item skipped",
				zap.String("platform", item.Platform.String()),
				zap.String("content_id", item.ContentID),
				zap.Error(err))
			continue
		}

		stored, created, err := s.upsertOne(ctx, post)
		if err != nil {
			result.Failed++
			result.Failures = append(result.Failures, ItemFailure{ContentID: post.PlatformContentID, Reason: "storage_failed"})
			metrics.CatalogItems.WithLabelValues(post.Platform, "failed").Inc()
			s.logError(opUpsertBatch, "item_storage_failed", err,
				zap.String("platform", post.Platform),
				zap.String("content_id", post.PlatformContentID))
			continue
		}
		if created {
			result.Created++
			metrics.CatalogItems.WithLabelValues(post.Platform, "created").Inc()
		} else {
			result.Updated++
			metrics.CatalogItems.WithLabelValues(post.Platform, "updated").Inc()
		}
		result.Posts = append(result.Posts, stored)
	}
	return result, nil
}

func (s *Service) upsertOne(ctx context.Context, incoming Post) (Post, bool, error) {
	db := s.db.WithContext(ctx)

	existing, found, err := s.findByContentID(db, incoming.Platform, incoming.PlatformContentID)
	if err != nil {
		return Post{}, false, err
	}
	if found {
		updated, err := s.applyUpdate(db, existing, incoming)
		return updated, false, err
	}

	if s.beforeInsert != nil {
		s.beforeInsert()
	}

	insert := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&incoming)
	if insert.Error != nil && !isDuplicateKey(insert.Error) {
		return Post{}, false, insert.Error
	}
	if insert.Error == nil && insert.RowsAffected > 0 {
		return incoming, true, nil
	}

	// A concurrent sync inserted the same content first.
	existing, found, err = s.findByContentID(db, incoming.Platform, incoming.PlatformContentID)
	if err != nil {
		return Post{}, false, err
	}
	if !found {
		return Post{}, false, fmt.Errorf("post %s/%s vanished after conflicting insert", incoming.Platform, incoming.PlatformContentID)
	}
	updated, err := s.applyUpdate(db, existing, incoming)
	return updated, false, err
}

func (s *Service) findByContentID(db *gorm.DB, platformName, contentID string) (Post, bool, error) {
	var existing Post
	err := db.Where("platform = ? AND platform_content_id = ?", platformName, contentID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Post{}, false, nil
	}
	if err != nil {
		return Post{}, false, err
	}
	return existing, true, nil
}

func (s *Service) applyUpdate(db *gorm.DB, existing, incoming Post) (Post, error) {
	updated := existing
	updated.UserID = incoming.UserID
	updated.ContentType = incoming.ContentType
	updated.Title = incoming.Title
	updated.Description = incoming.Description
	updated.Tags = incoming.Tags
	updated.URL = incoming.URL
	updated.ThumbnailURL = incoming.ThumbnailURL
	updated.PublishedAt = incoming.PublishedAt
	updated.Metrics = incoming.Metrics.withEnrichmentFrom(existing.Metrics)
	updated.LastSyncedAt = incoming.LastSyncedAt
	updated.UpdatedAt = incoming.UpdatedAt
	if err := db.Save(&updated).Error; err != nil {
		return Post{}, err
	}
	return updated, nil
}

func (s *Service) normalize(userID string, item platform.RawItem) (Post, error) {
	contentID := strings.TrimSpace(item.ContentID)
	if contentID == "" {
		return Post{}, fmt.Errorf("%w: empty content id", ErrInvalidItem)
	}
	if len(contentID) > maxIdentifierLength {
		return Post{}, fmt.Errorf("%w: content id exceeds %d characters", ErrInvalidItem, maxIdentifierLength)
	}
	if _, err := platform.ParsePlatform(item.Platform.String()); err != nil {
		return Post{}, fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	if item.PublishedAt.IsZero() {
		return Post{}, fmt.Errorf("%w: missing publish time", ErrInvalidItem)
	}

	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	now := s.clock().UTC()
	return Post{
		UserID:            userID,
		Platform:          item.Platform.String(),
		PlatformContentID: contentID,
		ContentType:       string(platform.Classify(item.DurationSeconds, item.Platform)),
		Title:             strings.TrimSpace(item.Title),
		Description:       item.Description,
		Tags:              tags,
		URL:               item.URL,
		ThumbnailURL:      SelectThumbnail(item.Thumbnails),
		PublishedAt:       item.PublishedAt.UTC(),
		Metrics:           metricsFromRaw(item.Metrics, item.DurationSeconds),
		LastSyncedAt:      now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// SelectThumbnail picks the highest priority non-empty thumbnail. Unknown keys are used in
// lexical order only when no known key is present.
func SelectThumbnail(thumbnails map[string]string) string {
	for _, key := range thumbnailPriority {
		if url := strings.TrimSpace(thumbnails[key]); url != "" {
			return url
		}
	}
	keys := make([]string, 0, len(thumbnails))
	for key := range thumbnails {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if url := strings.TrimSpace(thumbnails[key]); url != "" {
			return url
		}
	}
	return ""
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key")
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
	s.logger.Error("catalog service error", attrs...)
}
