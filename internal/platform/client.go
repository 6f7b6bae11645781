package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/credentials"
	"github.com/MarcoPoloResearchLab/pulse/internal/logging"
	"github.com/MarcoPoloResearchLab/pulse/internal/metrics"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultExpirySkew  = time.Minute
	maxResponseBytes   = 8 << 20
	defaultRetryAfter  = time.Minute
	defaultHTTPTimeout = 30 * time.Second
)

var errMissingUserID = errors.New("platform: user id is required")

// HTTPClient allows injecting a transport for tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// CredentialStore loads and persists the bearer credential of a (user, platform) pair.
type CredentialStore interface {
	Get(ctx context.Context, userID, platform string) (*credentials.Credential, error)
	Save(ctx context.Context, credential *credentials.Credential) error
}

// TokenRefresher exchanges a refresh token for a new access token.
type TokenRefresher interface {
	Refresh(ctx context.Context, credential *credentials.Credential) (*credentials.Credential, error)
}

// QuotaBudget meters provider quota units before each call.
type QuotaBudget interface {
	Consume(ctx context.Context, units int64) error
}

// ResponseClassifier maps a non-success response to a classified error.
type ResponseClassifier func(statusCode int, header http.Header, body []byte) *Error

// RequestBuilder builds a provider request carrying accessToken.
type RequestBuilder func(ctx context.Context, accessToken string) (*http.Request, error)

type ClientConfig struct {
	Platform    Platform
	UserID      string
	Credentials CredentialStore
	Refresher   TokenRefresher
	HTTPClient  HTTPClient
	Limiter     *rate.Limiter
	Quota       QuotaBudget
	Classifier  ResponseClassifier
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Client performs authorized provider calls for one user. It refreshes a rejected token once,
// persists the refreshed credential and classifies failures.
type Client struct {
	platform    Platform
	userID      string
	store       CredentialStore
	refresher   TokenRefresher
	httpClient  HTTPClient
	limiter     *rate.Limiter
	quota       QuotaBudget
	classify    ResponseClassifier
	clock       func() time.Time
	logger      *zap.Logger
	breaker     *gobreaker.CircuitBreaker[[]byte]
	refreshLock sync.Mutex
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errMissingUserID
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("platform: credential store is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	classifier := cfg.Classifier
	if classifier == nil {
		classifier = ClassifyResponse
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("platform", cfg.Platform.String()))

	return &Client{
		platform:   cfg.Platform,
		userID:     cfg.UserID,
		store:      cfg.Credentials,
		refresher:  cfg.Refresher,
		httpClient: httpClient,
		limiter:    cfg.Limiter,
		quota:      cfg.Quota,
		classify:   classifier,
		clock:      clock,
		logger:     logger,
		breaker:    newBreaker(cfg.Platform.String()+"-api", logger),
	}, nil
}

// UserID returns the user whose credential signs requests.
func (c *Client) UserID() string {
	return c.userID
}

// Do sends the request built by build and returns the response body of a successful call.
func (c *Client) Do(ctx context.Context, op string, build RequestBuilder) ([]byte, error) {
	credential, refreshed, err := c.credential(ctx, op)
	if err != nil {
		return nil, c.record(err)
	}

	body, err := c.send(ctx, op, credential.AccessToken, build)
	if !errors.Is(err, ErrAuthExpired) {
		return body, c.record(err)
	}
	if refreshed {
		return nil, c.record(&Error{Kind: KindUnauthenticated, Platform: c.platform, Op: op, StatusCode: http.StatusUnauthorized, Err: err})
	}

	c.logger.Info("access token rejected, refreshing", zap.String("op", op))
	credential, err = c.refresh(ctx, op, credential)
	if err != nil {
		return nil, c.record(err)
	}

	body, err = c.send(ctx, op, credential.AccessToken, build)
	if errors.Is(err, ErrAuthExpired) {
		return nil, c.record(&Error{Kind: KindUnauthenticated, Platform: c.platform, Op: op, StatusCode: http.StatusUnauthorized, Err: err})
	}
	return body, c.record(err)
}

// credential loads the stored credential, refreshing it first when it is already expired.
// The flag reports whether that refresh happened.
func (c *Client) credential(ctx context.Context, op string) (*credentials.Credential, bool, error) {
	credential, err := c.store.Get(ctx, c.userID, c.platform.String())
	if err != nil {
		return nil, false, err
	}
	if credential == nil {
		return nil, false, NewError(KindUnauthenticated, c.platform, op, errors.New("no stored credential"))
	}
	if credential.ExpiredAt(c.clock(), defaultExpirySkew) && credential.RefreshToken != "" {
		refreshed, err := c.refresh(ctx, op, credential)
		return refreshed, err == nil, err
	}
	return credential, false, nil
}

func (c *Client) refresh(ctx context.Context, op string, stale *credentials.Credential) (*credentials.Credential, error) {
	c.refreshLock.Lock()
	defer c.refreshLock.Unlock()

	current, err := c.store.Get(ctx, c.userID, c.platform.String())
	if err == nil && current != nil && current.AccessToken != stale.AccessToken && !current.ExpiredAt(c.clock(), defaultExpirySkew) {
		return current, nil
	}

	if c.refresher == nil || strings.TrimSpace(stale.RefreshToken) == "" {
		metrics.TokenRefreshes.WithLabelValues(c.platform.String(), "unavailable").Inc()
		return nil, NewError(KindUnauthenticated, c.platform, op, errors.New("no refresh token"))
	}

	refreshed, err := c.refresher.Refresh(ctx, stale)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(c.platform.String(), "failed").Inc()
		if errors.Is(err, ErrTransientNetwork) {
			return nil, err
		}
		return nil, NewError(KindUnauthenticated, c.platform, op, err)
	}
	metrics.TokenRefreshes.WithLabelValues(c.platform.String(), "succeeded").Inc()
	c.logger.Info("access token refreshed",
		zap.String("op", op),
		zap.String("access_token", logging.MaskToken(refreshed.AccessToken)))

	if err := c.store.Save(ctx, refreshed); err != nil {
		c.logger.Warn("refreshed credential not persisted", zap.Error(err))
	}
	return refreshed, nil
}

func (c *Client) send(ctx context.Context, op, accessToken string, build RequestBuilder) ([]byte, error) {
	if c.quota != nil {
		if err := c.quota.Consume(ctx, 1); err != nil {
			return nil, &Error{Kind: KindRateLimited, Platform: c.platform, Op: op, RetryAfter: c.untilTomorrow(), Err: err}
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, NewError(KindTransientNetwork, c.platform, op, err)
		}
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.exchange(ctx, op, accessToken, build)
	})
	if err != nil && isBreakerRejection(err) {
		metrics.ConnectorRequests.WithLabelValues(c.platform.String(), "rejected").Inc()
		return nil, NewError(KindTransientNetwork, c.platform, op, err)
	}
	return body, err
}

func (c *Client) exchange(ctx context.Context, op, accessToken string, build RequestBuilder) ([]byte, error) {
	req, err := build(ctx, accessToken)
	if err != nil {
		return nil, NewError(KindProviderPermanent, c.platform, op, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ConnectorRequests.WithLabelValues(c.platform.String(), "network_error").Inc()
		return nil, NewError(KindTransientNetwork, c.platform, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.ConnectorRequests.WithLabelValues(c.platform.String(), "network_error").Inc()
		return nil, NewError(KindTransientNetwork, c.platform, op, fmt.Errorf("read response: %w", err))
	}

	metrics.ConnectorRequests.WithLabelValues(c.platform.String(), strconv.Itoa(resp.StatusCode)).Inc()
	if classified := c.classify(resp.StatusCode, resp.Header, body); classified != nil {
		classified.Platform = c.platform
		classified.Op = op
		return nil, classified
	}
	return body, nil
}

func (c *Client) record(err error) error {
	if err == nil {
		return nil
	}
	if kind, ok := KindOf(err); ok {
		metrics.ConnectorErrors.WithLabelValues(c.platform.String(), string(kind)).Inc()
	}
	return err
}

func (c *Client) untilTomorrow() time.Duration {
	now := c.clock()
	tomorrow := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
	return tomorrow.Sub(now)
}

// ClassifyResponse maps HTTP status codes onto the connector error taxonomy.
func ClassifyResponse(statusCode int, header http.Header, body []byte) *Error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusUnauthorized:
		return &Error{Kind: KindAuthExpired, StatusCode: statusCode, Err: providerMessage(body)}
	case statusCode == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, StatusCode: statusCode, RetryAfter: ParseRetryAfter(header), Err: providerMessage(body)}
	case statusCode == http.StatusForbidden && isQuotaBody(body):
		return &Error{Kind: KindRateLimited, StatusCode: statusCode, RetryAfter: ParseRetryAfter(header), Err: providerMessage(body)}
	case statusCode == http.StatusRequestTimeout || statusCode >= 500:
		return &Error{Kind: KindTransientNetwork, StatusCode: statusCode, Err: providerMessage(body)}
	default:
		return &Error{Kind: KindProviderPermanent, StatusCode: statusCode, Err: providerMessage(body)}
	}
}

// ParseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func ParseRetryAfter(header http.Header) time.Duration {
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return defaultRetryAfter
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return defaultRetryAfter
}

func isQuotaBody(body []byte) bool {
	text := string(body)
	return strings.Contains(text, "quotaExceeded") ||
		strings.Contains(text, "rateLimitExceeded") ||
		strings.Contains(text, "dailyLimitExceeded")
}

func providerMessage(body []byte) error {
	text := strings.TrimSpace(string(body))
	if len(text) > 300 {
		text = text[:300]
	}
	if text == "" {
		return nil
	}
	return errors.New(text)
}
