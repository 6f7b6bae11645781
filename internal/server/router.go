package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/analytics"
	"github.com/MarcoPoloResearchLab/pulse/internal/calendar"
	"github.com/MarcoPoloResearchLab/pulse/internal/catalog"
	"github.com/MarcoPoloResearchLab/pulse/internal/credentials"
	"github.com/MarcoPoloResearchLab/pulse/internal/history"
	"github.com/MarcoPoloResearchLab/pulse/internal/platform"
	"github.com/MarcoPoloResearchLab/pulse/internal/syncer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey           = "pulse_user_id"
	defaultMissingDaysLookback = 10
)

var (
	errMissingSyncer    = errors.New("syncer dependency required")
	errMissingCatalog   = errors.New("catalog dependency required")
	errMissingHistory   = errors.New("history dependency required")
	errMissingAnalytics = errors.New("analytics dependency required")
	errMissingUserID    = errors.New("user id required")
)

type Syncer interface {
	Sync(ctx context.Context, userID string, p platform.Platform) (syncer.Summary, error)
	SyncAll(ctx context.Context, userID string, platforms []platform.Platform) ([]syncer.Summary, error)
}

type RunLister interface {
	List(ctx context.Context, userID string, limit int) ([]syncer.SyncRun, error)
}

type PostCatalog interface {
	List(ctx context.Context, filter catalog.Filter) ([]catalog.Post, error)
	Delete(ctx context.Context, userID string, id uint) error
	ToggleReference(ctx context.Context, userID string, id uint) (bool, error)
}

type HistoryStore interface {
	MissingDays(ctx context.Context, userID string, p platform.Platform, from, to calendar.Day) ([]history.MissingDay, error)
	ApplyManualBatch(ctx context.Context, overrides []history.ManualOverride) ([]history.Snapshot, error)
}

// AuthFlow is the OAuth handshake of one platform.
type AuthFlow interface {
	AuthorizationURL(userID, callbackURL string) (string, error)
	ExchangeCode(ctx context.Context, code, stateToken string) (*credentials.Credential, string, error)
}

type CredentialWriter interface {
	Save(ctx context.Context, credential *credentials.Credential) error
	Delete(ctx context.Context, userID, platform string) error
}

// ConnectorCache drops cached connectors after a credential changes.
type ConnectorCache interface {
	Forget(userID string, p platform.Platform)
}

type Dependencies struct {
	Syncer              Syncer
	Runs                RunLister
	Catalog             PostCatalog
	History             HistoryStore
	Analytics           *analytics.Service
	Summarizer          analytics.Summarizer
	AuthFlows           map[platform.Platform]AuthFlow
	Credentials         CredentialWriter
	Connectors          ConnectorCache
	Health              func(ctx context.Context) error
	UserID              string
	MissingDaysLookback int
	Logger              *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Syncer == nil {
		return nil, errMissingSyncer
	}
	if deps.Catalog == nil {
		return nil, errMissingCatalog
	}
	if deps.History == nil {
		return nil, errMissingHistory
	}
	if deps.Analytics == nil {
		return nil, errMissingAnalytics
	}
	if deps.UserID == "" {
		return nil, errMissingUserID
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	lookback := deps.MissingDaysLookback
	if lookback <= 0 {
		lookback = defaultMissingDaysLookback
	}
	flows := deps.AuthFlows
	if flows == nil {
		flows = map[platform.Platform]AuthFlow{}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		syncer:      deps.Syncer,
		runs:        deps.Runs,
		catalog:     deps.Catalog,
		history:     deps.History,
		analytics:   deps.Analytics,
		summarizer:  deps.Summarizer,
		flows:       flows,
		credentials: deps.Credentials,
		connectors:  deps.Connectors,
		health:      deps.Health,
		userID:      deps.UserID,
		lookback:    lookback,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/auth/:platform/login", handler.handleAuthLogin)
	router.GET("/auth/:platform/callback", handler.handleAuthCallback)

	scoped := router.Group("/")
	scoped.Use(handler.identifyUser)
	scoped.DELETE("/auth/:platform", handler.handleAuthDisconnect)

	scoped.POST("/api/sync", handler.handleSyncAll)
	scoped.GET("/api/sync/runs", handler.handleSyncRuns)
	scoped.POST("/api/sync/:platform", handler.handleSync)
	scoped.GET("/api/sync/:platform", handler.handleSync)

	scoped.GET("/posts", handler.handleListPosts)
	scoped.DELETE("/posts/:id", handler.handleDeletePost)
	scoped.POST("/posts/:id/reference", handler.handleToggleReference)

	scoped.GET("/dashboard/daily_growth", handler.handleDailyGrowth)
	scoped.GET("/dashboard/weekly_growth", handler.handleWeeklyGrowth)
	scoped.GET("/dashboard/monthly_growth", handler.handleMonthlyGrowth)
	scoped.GET("/dashboard/audience", handler.handleAudience)
	scoped.GET("/dashboard/efficiency", handler.handleEfficiency)

	scoped.GET("/api/metrics/missing_days", handler.handleMissingDays)
	scoped.POST("/api/metrics/update_manual", handler.handleManualUpdate)

	scoped.GET("/api/insights/payload", handler.handleInsightPayload)
	scoped.POST("/api/insights", handler.handleInsights)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
		MaxAge:          12 * time.Hour,
	})
}

type httpHandler struct {
	syncer      Syncer
	runs        RunLister
	catalog     PostCatalog
	history     HistoryStore
	analytics   *analytics.Service
	summarizer  analytics.Summarizer
	flows       map[platform.Platform]AuthFlow
	credentials CredentialWriter
	connectors  ConnectorCache
	health      func(ctx context.Context) error
	userID      string
	lookback    int
	logger      *zap.Logger
}

// identifyUser scopes the request to the configured account owner.
func (h *httpHandler) identifyUser(c *gin.Context) {
	c.Set(userIDContextKey, h.userID)
	c.Next()
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) parsePlatform(c *gin.Context) (platform.Platform, bool) {
	p, err := platform.ParsePlatform(c.Param("platform"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_platform"})
		return "", false
	}
	return p, true
}
