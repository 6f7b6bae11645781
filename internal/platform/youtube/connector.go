// Package youtube adapts the YouTube Data and Analytics APIs to the platform connector contract.
package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/platform"
	"go.uber.org/zap"
)

const (
	defaultPageSize   = 50
	maxPageSize       = 50
	reportFilterChunk = 200
	dateLayout        = "2006-01-02"
	watchURLPrefix    = "https://www.youtube.com/watch?v="

	opChannel       = "youtube.channels.list"
	opPlaylistItems = "youtube.playlist_items.list"
	opVideos        = "youtube.videos.list"
	opReport        = "youtube.analytics.reports"
)

var durationPattern = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// providerMetric maps canonical metric names onto YouTube Analytics names.
var providerMetric = map[string]string{
	platform.MetricViews:                 "views",
	platform.MetricLikes:                 "likes",
	platform.MetricComments:              "comments",
	platform.MetricShares:                "shares",
	platform.MetricFollowersGained:       "subscribersGained",
	platform.MetricFollowersLost:         "subscribersLost",
	platform.MetricAverageViewPercentage: "averageViewPercentage",
	platform.MetricAverageViewDuration:   "averageViewDuration",
	platform.MetricMinutesWatched:        "estimatedMinutesWatched",
}

// Doer performs an authorized provider call and returns the body of a successful response.
type Doer interface {
	Do(ctx context.Context, op string, build platform.RequestBuilder) ([]byte, error)
}

type Config struct {
	Client       Doer
	DataURL      string
	AnalyticsURL string
	PageSize     int
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Connector lists uploads, reads channel counters and queries analytics reports.
type Connector struct {
	client       Doer
	dataURL      string
	analyticsURL string
	pageSize     int
	clock        func() time.Time
	logger       *zap.Logger

	uploadsMu sync.Mutex
	uploads   string
}

func NewConnector(cfg Config) (*Connector, error) {
	if cfg.Client == nil {
		return nil, errors.New("youtube: client is required")
	}
	if strings.TrimSpace(cfg.DataURL) == "" || strings.TrimSpace(cfg.AnalyticsURL) == "" {
		return nil, errors.New("youtube: data and analytics urls are required")
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{
		client:       cfg.Client,
		dataURL:      strings.TrimRight(cfg.DataURL, "/"),
		analyticsURL: strings.TrimRight(cfg.AnalyticsURL, "/"),
		pageSize:     pageSize,
		clock:        clock,
		logger:       logger,
	}, nil
}

func (c *Connector) Platform() platform.Platform {
	return platform.YouTube
}

type channelResponse struct {
	Items []struct {
		ID             string `json:"id"`
		ContentDetails struct {
			RelatedPlaylists struct {
				Uploads string `json:"uploads"`
			} `json:"relatedPlaylists"`
		} `json:"contentDetails"`
		Statistics struct {
			SubscriberCount string `json:"subscriberCount"`
			ViewCount       string `json:"viewCount"`
			VideoCount      string `json:"videoCount"`
		} `json:"statistics"`
	} `json:"items"`
}

func (c *Connector) channel(ctx context.Context) (channelResponse, error) {
	query := url.Values{}
	query.Set("part", "contentDetails,statistics")
	query.Set("mine", "true")
	body, err := c.client.Do(ctx, opChannel, c.get(c.dataURL+"/youtube/v3/channels", query))
	if err != nil {
		return channelResponse{}, err
	}
	var response channelResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return channelResponse{}, platform.NewError(platform.KindProviderPermanent, platform.YouTube, opChannel, fmt.Errorf("decode channel: %w", err))
	}
	if len(response.Items) == 0 {
		return channelResponse{}, platform.NewError(platform.KindProviderPermanent, platform.YouTube, opChannel, errors.New("no channel for this account"))
	}
	uploads := response.Items[0].ContentDetails.RelatedPlaylists.Uploads
	if uploads != "" {
		c.uploadsMu.Lock()
		c.uploads = uploads
		c.uploadsMu.Unlock()
	}
	return response, nil
}

// AccountCounter returns the channel subscriber and lifetime view counts.
func (c *Connector) AccountCounter(ctx context.Context) (platform.AccountCounters, error) {
	response, err := c.channel(ctx)
	if err != nil {
		return platform.AccountCounters{}, err
	}
	statistics := response.Items[0].Statistics
	return platform.AccountCounters{
		Followers:  parseCount(statistics.SubscriberCount),
		Views:      parseCount(statistics.ViewCount),
		ObservedAt: c.clock().UTC(),
	}, nil
}

func (c *Connector) uploadsPlaylist(ctx context.Context) (string, error) {
	c.uploadsMu.Lock()
	uploads := c.uploads
	c.uploadsMu.Unlock()
	if uploads != "" {
		return uploads, nil
	}
	if _, err := c.channel(ctx); err != nil {
		return "", err
	}
	c.uploadsMu.Lock()
	defer c.uploadsMu.Unlock()
	if c.uploads == "" {
		return "", platform.NewError(platform.KindProviderPermanent, platform.YouTube, opChannel, errors.New("channel has no uploads playlist"))
	}
	return c.uploads, nil
}

type playlistItemsResponse struct {
	NextPageToken string `json:"nextPageToken"`
	Items         []struct {
		ContentDetails struct {
			VideoID string `json:"videoId"`
		} `json:"contentDetails"`
	} `json:"items"`
}

type videosResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title       string                     `json:"title"`
			Description string                     `json:"description"`
			Tags        []string                   `json:"tags"`
			PublishedAt string                     `json:"publishedAt"`
			Thumbnails  map[string]thumbnailDetail `json:"thumbnails"`
		} `json:"snippet"`
		Statistics struct {
			ViewCount    string `json:"viewCount"`
			LikeCount    string `json:"likeCount"`
			CommentCount string `json:"commentCount"`
		} `json:"statistics"`
		ContentDetails struct {
			Duration string `json:"duration"`
		} `json:"contentDetails"`
	} `json:"items"`
}

type thumbnailDetail struct {
	URL string `json:"url"`
}

// ListContent returns one page of the channel uploads with video details.
func (c *Connector) ListContent(ctx context.Context, cursor string) (platform.ContentPage, error) {
	uploads, err := c.uploadsPlaylist(ctx)
	if err != nil {
		return platform.ContentPage{}, err
	}

	query := url.Values{}
	query.Set("part", "contentDetails")
	query.Set("playlistId", uploads)
	query.Set("maxResults", strconv.Itoa(c.pageSize))
	if cursor != "" {
		query.Set("pageToken", cursor)
	}
	body, err := c.client.Do(ctx, opPlaylistItems, c.get(c.dataURL+"/youtube/v3/playlistItems", query))
	if err != nil {
		return platform.ContentPage{}, err
	}
	var playlist playlistItemsResponse
	if err := json.Unmarshal(body, &playlist); err != nil {
		return platform.ContentPage{}, platform.NewError(platform.KindProviderPermanent, platform.YouTube, opPlaylistItems, fmt.Errorf("decode playlist items: %w", err))
	}

	ids := make([]string, 0, len(playlist.Items))
	for _, item := range playlist.Items {
		if id := strings.TrimSpace(item.ContentDetails.VideoID); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return platform.ContentPage{NextCursor: playlist.NextPageToken}, nil
	}

	items, err := c.videos(ctx, ids)
	if err != nil {
		return platform.ContentPage{}, err
	}
	return platform.ContentPage{Items: items, NextCursor: playlist.NextPageToken}, nil
}

func (c *Connector) videos(ctx context.Context, ids []string) ([]platform.RawItem, error) {
	query := url.Values{}
	query.Set("part", "snippet,statistics,contentDetails")
	query.Set("id", strings.Join(ids, ","))
	body, err := c.client.Do(ctx, opVideos, c.get(c.dataURL+"/youtube/v3/videos", query))
	if err != nil {
		return nil, err
	}
	var response videosResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, platform.NewError(platform.KindProviderPermanent, platform.YouTube, opVideos, fmt.Errorf("decode videos: %w", err))
	}

	items := make([]platform.RawItem, 0, len(response.Items))
	for _, video := range response.Items {
		publishedAt, err := time.Parse(time.RFC3339, video.Snippet.PublishedAt)
		if err != nil {
			c.logger.Warn("video publish time unparsable", zap.String("content_id", video.ID), zap.String("published_at", video.Snippet.PublishedAt))
		}
		thumbnails := make(map[string]string, len(video.Snippet.Thumbnails))
		for key, thumbnail := range video.Snippet.Thumbnails {
			thumbnails[key] = thumbnail.URL
		}
		duration, ok := ParseDuration(video.ContentDetails.Duration)
		if !ok {
			c.logger.Warn("video duration unparsable", zap.String("content_id", video.ID), zap.String("duration", video.ContentDetails.Duration))
		}
		items = append(items, platform.RawItem{
			Platform:        platform.YouTube,
			ContentID:       video.ID,
			Title:           video.Snippet.Title,
			Description:     video.Snippet.Description,
			Tags:            video.Snippet.Tags,
			URL:             watchURLPrefix + video.ID,
			Thumbnails:      thumbnails,
			PublishedAt:     publishedAt,
			DurationSeconds: duration,
			Metrics: platform.RawMetrics{
				Views:    parseCount(video.Statistics.ViewCount),
				Likes:    parseCount(video.Statistics.LikeCount),
				Comments: parseCount(video.Statistics.CommentCount),
			},
		})
	}
	return items, nil
}

type reportResponse struct {
	ColumnHeaders []struct {
		Name       string `json:"name"`
		ColumnType string `json:"columnType"`
	} `json:"columnHeaders"`
	Rows [][]json.RawMessage `json:"rows"`
}

// Report queries YouTube Analytics. Day reports are keyed by date; content reports by video id
// and are split into several calls when many ids are requested.
func (c *Connector) Report(ctx context.Context, query platform.ReportQuery) ([]platform.ReportRow, error) {
	names := make([]string, 0, len(query.Metrics))
	canonical := make(map[string]string, len(query.Metrics))
	for _, metric := range query.Metrics {
		name, ok := providerMetric[metric]
		if !ok {
			return nil, platform.NewError(platform.KindProviderPermanent, platform.YouTube, opReport, fmt.Errorf("unsupported metric %q", metric))
		}
		names = append(names, name)
		canonical[name] = metric
	}
	if len(names) == 0 {
		return nil, nil
	}

	if query.Dimension != platform.DimensionContent {
		return c.report(ctx, query, names, canonical, "")
	}
	rows := make([]platform.ReportRow, 0, len(query.ContentIDs))
	for start := 0; start < len(query.ContentIDs); start += reportFilterChunk {
		end := start + reportFilterChunk
		if end > len(query.ContentIDs) {
			end = len(query.ContentIDs)
		}
		chunk, err := c.report(ctx, query, names, canonical, "video=="+strings.Join(query.ContentIDs[start:end], ","))
		if err != nil {
			return nil, err
		}
		rows = append(rows, chunk...)
	}
	return rows, nil
}

func (c *Connector) report(ctx context.Context, query platform.ReportQuery, names []string, canonical map[string]string, filter string) ([]platform.ReportRow, error) {
	values := url.Values{}
	values.Set("ids", "channel==MINE")
	values.Set("startDate", query.Start.Format(dateLayout))
	values.Set("endDate", query.End.Format(dateLayout))
	values.Set("metrics", strings.Join(names, ","))
	if query.Dimension == platform.DimensionContent {
		values.Set("dimensions", "video")
		values.Set("maxResults", strconv.Itoa(reportFilterChunk))
		if containsName(names, "views") {
			values.Set("sort", "-views")
		}
		if filter != "" {
			values.Set("filters", filter)
		}
	} else {
		values.Set("dimensions", "day")
		values.Set("sort", "day")
	}

	body, err := c.client.Do(ctx, opReport, c.get(c.analyticsURL+"/v2/reports", values))
	if err != nil {
		return nil, err
	}
	return parseReport(body, canonical)
}

func parseReport(body []byte, canonical map[string]string) ([]platform.ReportRow, error) {
	var response reportResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, platform.NewError(platform.KindProviderPermanent, platform.YouTube, opReport, fmt.Errorf("decode report: %w", err))
	}
	rows := make([]platform.ReportRow, 0, len(response.Rows))
	for _, raw := range response.Rows {
		row := platform.ReportRow{Values: map[string]float64{}}
		for index, header := range response.ColumnHeaders {
			if index >= len(raw) {
				break
			}
			if strings.EqualFold(header.ColumnType, "DIMENSION") {
				var key string
				if err := json.Unmarshal(raw[index], &key); err == nil {
					row.Key = key
				}
				continue
			}
			name, ok := canonical[header.Name]
			if !ok {
				continue
			}
			var value *float64
			if err := json.Unmarshal(raw[index], &value); err == nil && value != nil {
				row.Values[name] = *value
			}
		}
		if row.Key != "" {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (c *Connector) get(endpoint string, query url.Values) platform.RequestBuilder {
	target := endpoint + "?" + query.Encode()
	return func(ctx context.Context, _ string) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}
}

// ParseDuration converts an ISO 8601 duration such as PT1M5S into seconds.
func ParseDuration(raw string) (int64, bool) {
	match := durationPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if match == nil {
		return 0, false
	}
	multipliers := []int64{86400, 3600, 60, 1}
	var total int64
	for index, multiplier := range multipliers {
		if match[index+1] == "" {
			continue
		}
		value, err := strconv.ParseInt(match[index+1], 10, 64)
		if err != nil {
			return 0, false
		}
		total += value * multiplier
	}
	return total, true
}

func parseCount(raw string) int64 {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || value < 0 {
		return 0
	}
	return value
}

func containsName(names []string, target string) bool {
	for _, name := range names {
		if name == target {
			return true
		}
	}
	return false
}
