// Package tiktok adapts the TikTok display API to the platform connector contract.
package tiktok

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/platform"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 20
	maxPageSize     = 20
	videoFields     = "id,title,video_description,cover_image_url,share_url,create_time,duration,view_count,like_count,comment_count,share_count"
	userFields      = "follower_count,likes_count,video_count,profile_views"

	opVideoList = "tiktok.video.list"
	opUserInfo  = "tiktok.user.info"
)

// Doer performs an authorized provider call and returns the body of a successful response.
type Doer interface {
	Do(ctx context.Context, op string, build platform.RequestBuilder) ([]byte, error)
}

type Config struct {
	Client   Doer
	APIURL   string
	PageSize int
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Connector lists videos and reads account counters. TikTok exposes no historical report.
type Connector struct {
	client   Doer
	apiURL   string
	pageSize int
	clock    func() time.Time
	logger   *zap.Logger
}

func NewConnector(cfg Config) (*Connector, error) {
	if cfg.Client == nil {
		return nil, errors.New("tiktok: client is required")
	}
	if strings.TrimSpace(cfg.APIURL) == "" {
		return nil, errors.New("tiktok: api url is required")
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = defaultPageSize
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
		client:   cfg.Client,
		apiURL:   strings.TrimRight(cfg.APIURL, "/"),
		pageSize: pageSize,
		clock:    clock,
		logger:   logger,
	}, nil
}

func (c *Connector) Platform() platform.Platform {
	return platform.TikTok
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	LogID   string `json:"log_id"`
}

type videoListResponse struct {
	Data struct {
		Videos []struct {
			ID               string `json:"id"`
			Title            string `json:"title"`
			VideoDescription string `json:"video_description"`
			CoverImageURL    string `json:"cover_image_url"`
			ShareURL         string `json:"share_url"`
			CreateTime       int64  `json:"create_time"`
			Duration         int64  `json:"duration"`
			ViewCount        int64  `json:"view_count"`
			LikeCount        int64  `json:"like_count"`
			CommentCount     int64  `json:"comment_count"`
			ShareCount       int64  `json:"share_count"`
		} `json:"videos"`
		Cursor  int64 `json:"cursor"`
		HasMore bool  `json:"has_more"`
	} `json:"data"`
	Error apiError `json:"error"`
}

// ListContent returns one page of the account's videos. The cursor is the provider's numeric cursor.
func (c *Connector) ListContent(ctx context.Context, cursor string) (platform.ContentPage, error) {
	var position int64
	if strings.TrimSpace(cursor) != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return platform.ContentPage{}, platform.NewError(platform.KindProviderPermanent, platform.TikTok, opVideoList, fmt.Errorf("invalid cursor %q", cursor))
		}
		position = parsed
	}
	payload, err := json.Marshal(map[string]int64{"cursor": position, "max_count": int64(c.pageSize)})
	if err != nil {
		return platform.ContentPage{}, err
	}
	target := c.apiURL + "/v2/video/list/?fields=" + videoFields
	body, err := c.client.Do(ctx, opVideoList, func(ctx context.Context, _ string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return platform.ContentPage{}, err
	}

	var response videoListResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return platform.ContentPage{}, platform.NewError(platform.KindProviderPermanent, platform.TikTok, opVideoList, fmt.Errorf("decode video list: %w", err))
	}

	page := platform.ContentPage{Items: make([]platform.RawItem, 0, len(response.Data.Videos))}
	for _, video := range response.Data.Videos {
		var publishedAt time.Time
		if video.CreateTime > 0 {
			publishedAt = time.Unix(video.CreateTime, 0).UTC()
		}
		thumbnails := map[string]string{}
		if video.CoverImageURL != "" {
			thumbnails["cover"] = video.CoverImageURL
		}
		page.Items = append(page.Items, platform.RawItem{
			Platform:        platform.TikTok,
			ContentID:       video.ID,
			Title:           video.Title,
			Description:     video.VideoDescription,
			URL:             video.ShareURL,
			Thumbnails:      thumbnails,
			PublishedAt:     publishedAt,
			DurationSeconds: video.Duration,
			Metrics: platform.RawMetrics{
				Views:    video.ViewCount,
				Likes:    video.LikeCount,
				Comments: video.CommentCount,
				Shares:   video.ShareCount,
			},
		})
	}
	if response.Data.HasMore && len(response.Data.Videos) > 0 {
		page.NextCursor = strconv.FormatInt(response.Data.Cursor, 10)
	}
	return page, nil
}

type userInfoResponse struct {
	Data struct {
		User struct {
			FollowerCount int64 `json:"follower_count"`
			LikesCount    int64 `json:"likes_count"`
			VideoCount    int64 `json:"video_count"`
			ProfileViews  int64 `json:"profile_views"`
		} `json:"user"`
	} `json:"data"`
	Error apiError `json:"error"`
}

// AccountCounter returns the follower, lifetime like and profile view counters.
func (c *Connector) AccountCounter(ctx context.Context) (platform.AccountCounters, error) {
	target := c.apiURL + "/v2/user/info/?fields=" + userFields
	body, err := c.client.Do(ctx, opUserInfo, func(ctx context.Context, _ string) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	})
	if err != nil {
		return platform.AccountCounters{}, err
	}
	var response userInfoResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return platform.AccountCounters{}, platform.NewError(platform.KindProviderPermanent, platform.TikTok, opUserInfo, fmt.Errorf("decode user info: %w", err))
	}
	user := response.Data.User
	return platform.AccountCounters{
		Followers:    user.FollowerCount,
		Likes:        user.LikesCount,
		ProfileViews: user.ProfileViews,
		ObservedAt:   c.clock().UTC(),
	}, nil
}

// Report returns no rows. Engagement history is derived by forward differencing instead.
func (c *Connector) Report(context.Context, platform.ReportQuery) ([]platform.ReportRow, error) {
	return nil, nil
}

// ClassifyResponse extends the status code mapping with the error object TikTok embeds in
// otherwise successful responses.
func ClassifyResponse(statusCode int, header http.Header, body []byte) *platform.Error {
	var envelope struct {
		Error apiError `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)
	code := strings.TrimSpace(envelope.Error.Code)

	switch code {
	case "", "ok":
		return platform.ClassifyResponse(statusCode, header, body)
	case "access_token_invalid":
		return &platform.Error{Kind: platform.KindAuthExpired, StatusCode: statusCode, Err: envelope.Error}
	case "scope_not_authorized", "scope_permission_missed":
		return &platform.Error{Kind: platform.KindUnauthenticated, StatusCode: statusCode, Err: envelope.Error}
	case "rate_limit_exceeded":
		return &platform.Error{Kind: platform.KindRateLimited, StatusCode: statusCode, RetryAfter: platform.ParseRetryAfter(header), Err: envelope.Error}
	case "internal_error":
		return &platform.Error{Kind: platform.KindTransientNetwork, StatusCode: statusCode, Err: envelope.Error}
	default:
		return &platform.Error{Kind: platform.KindProviderPermanent, StatusCode: statusCode, Err: envelope.Error}
	}
}

func (e apiError) Error() string {
	if e.LogID != "" {
		return fmt.Sprintf("%s: %s (log_id %s)", e.Code, e.Message, e.LogID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
