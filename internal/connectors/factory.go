// Package connectors builds the authorized platform connectors of each user.
package connectors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/apperrors"
	"github.com/MarcoPoloResearchLab/pulse/internal/config"
	"github.com/MarcoPoloResearchLab/pulse/internal/platform"
	"github.com/MarcoPoloResearchLab/pulse/internal/platform/tiktok"
	"github.com/MarcoPoloResearchLab/pulse/internal/platform/youtube"
	"github.com/MarcoPoloResearchLab/pulse/internal/quota"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	opFactoryNew = "connectors.factory.new"
	opConnector  = "connectors.connector"

	youtubeQuotaKey = "youtube"
)

var errMissingCredentials = errors.New("credential store is required")

type FactoryConfig struct {
	Credentials platform.CredentialStore
	Refreshers  map[platform.Platform]platform.TokenRefresher
	Quota       *quota.Store
	YouTube     config.YouTubeConfig
	TikTok      config.TikTokConfig
	Location    *time.Location
	HTTPClient  platform.HTTPClient
	Clock       func() time.Time
	Logger      *zap.Logger
}

type cacheKey struct {
	userID   string
	platform platform.Platform
}

// Factory hands out one connector per (user, platform). Rate limiters and the YouTube quota
// budget are shared by every user of the same platform.
type Factory struct {
	credentials platform.CredentialStore
	refreshers  map[platform.Platform]platform.TokenRefresher
	youtube     config.YouTubeConfig
	tiktok      config.TikTokConfig
	httpClient  platform.HTTPClient
	clock       func() time.Time
	logger      *zap.Logger

	limiters     map[platform.Platform]*rate.Limiter
	youtubeQuota *quota.Budget

	mu    sync.Mutex
	cache map[cacheKey]platform.Connector
}

func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.Credentials == nil {
		return nil, apperrors.New(opFactoryNew, "missing_credentials", errMissingCredentials)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	refreshers := cfg.Refreshers
	if refreshers == nil {
		refreshers = map[platform.Platform]platform.TokenRefresher{}
	}

	factory := &Factory{
		credentials: cfg.Credentials,
		refreshers:  refreshers,
		youtube:     cfg.YouTube,
		tiktok:      cfg.TikTok,
		httpClient:  cfg.HTTPClient,
		clock:       clock,
		logger:      logger,
		limiters: map[platform.Platform]*rate.Limiter{
			platform.YouTube: newLimiter(cfg.YouTube.RequestsPerSecond),
			platform.TikTok:  newLimiter(cfg.TikTok.RequestsPerSecond),
		},
		cache: map[cacheKey]platform.Connector{},
	}
	if cfg.Quota != nil {
		budget, err := quota.NewBudget(quota.BudgetConfig{
			Store:     cfg.Quota,
			Key:       youtubeQuotaKey,
			Limit:     cfg.YouTube.DailyQuotaUnits,
			ResetHour: cfg.YouTube.QuotaResetHour,
			Location:  cfg.Location,
			Clock:     clock,
		})
		if err != nil {
			return nil, apperrors.New(opFactoryNew, "invalid_quota", err)
		}
		factory.youtubeQuota = budget
	}
	return factory, nil
}

// newLimiter returns nil, meaning unlimited, for a non-positive rate.
func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Connector returns the cached connector of userID on p. A user without a stored credential
// gets an unauthenticated error.
func (f *Factory) Connector(ctx context.Context, userID string, p platform.Platform) (platform.Connector, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.New(opConnector, "missing_user_id", errors.New("user identifier is required"))
	}
	credential, err := f.credentials.Get(ctx, userID, p.String())
	if err != nil {
		return nil, apperrors.New(opConnector, "credential_lookup_failed", err)
	}
	if credential == nil {
		return nil, platform.NewError(platform.KindUnauthenticated, p, opConnector, errors.New("platform not connected"))
	}

	key := cacheKey{userID: userID, platform: p}
	f.mu.Lock()
	defer f.mu.Unlock()
	if connector, ok := f.cache[key]; ok {
		return connector, nil
	}
	connector, err := f.build(userID, p)
	if err != nil {
		return nil, err
	}
	f.cache[key] = connector
	return connector, nil
}

// Forget drops the cached connector, used after a platform is disconnected.
func (f *Factory) Forget(userID string, p platform.Platform) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cache, cacheKey{userID: strings.TrimSpace(userID), platform: p})
}

// QuotaRemaining returns the YouTube units left in the current quota day, or -1 when unmetered.
func (f *Factory) QuotaRemaining(ctx context.Context) (int64, error) {
	if f.youtubeQuota == nil {
		return -1, nil
	}
	return f.youtubeQuota.Remaining(ctx)
}

func (f *Factory) build(userID string, p platform.Platform) (platform.Connector, error) {
	clientConfig := platform.ClientConfig{
		Platform:    p,
		UserID:      userID,
		Credentials: f.credentials,
		Refresher:   f.refreshers[p],
		HTTPClient:  f.httpClient,
		Limiter:     f.limiters[p],
		Clock:       f.clock,
		Logger:      f.logger,
	}

	switch p {
	case platform.YouTube:
		if f.youtubeQuota != nil {
			clientConfig.Quota = f.youtubeQuota
		}
		client, err := platform.NewClient(clientConfig)
		if err != nil {
			return nil, apperrors.New(opConnector, "client_failed", err)
		}
		connector, err := youtube.NewConnector(youtube.Config{
			Client:       client,
			DataURL:      f.youtube.DataURL,
			AnalyticsURL: f.youtube.AnalyticsURL,
			PageSize:     f.youtube.PageSize,
			Clock:        f.clock,
			Logger:       f.logger,
		})
		if err != nil {
			return nil, apperrors.New(opConnector, "connector_failed", err)
		}
		return connector, nil
	case platform.TikTok:
		clientConfig.Classifier = tiktok.ClassifyResponse
		client, err := platform.NewClient(clientConfig)
		if err != nil {
			return nil, apperrors.New(opConnector, "client_failed", err)
		}
		connector, err := tiktok.NewConnector(tiktok.Config{
			Client:   client,
			APIURL:   f.tiktok.APIURL,
			PageSize: f.tiktok.PageSize,
			Clock:    f.clock,
			Logger:   f.logger,
		})
		if err != nil {
			return nil, apperrors.New(opConnector, "connector_failed", err)
		}
		return connector, nil
	default:
		return nil, apperrors.New(opConnector, "unsupported_platform", fmt.Errorf("no connector for %q", p))
	}
}
