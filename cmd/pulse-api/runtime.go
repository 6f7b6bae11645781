package main

import (
	"context"

	"github.com/MarcoPoloResearchLab/pulse/internal/analytics"
	"github.com/MarcoPoloResearchLab/pulse/internal/catalog"
	"github.com/MarcoPoloResearchLab/pulse/internal/config"
	"github.com/MarcoPoloResearchLab/pulse/internal/connectors"
	"github.com/MarcoPoloResearchLab/pulse/internal/credentials"
	"github.com/MarcoPoloResearchLab/pulse/internal/database"
	"github.com/MarcoPoloResearchLab/pulse/internal/history"
	"github.com/MarcoPoloResearchLab/pulse/internal/oauth"
	"github.com/MarcoPoloResearchLab/pulse/internal/platform"
	"github.com/MarcoPoloResearchLab/pulse/internal/quota"
	"github.com/MarcoPoloResearchLab/pulse/internal/server"
	"github.com/MarcoPoloResearchLab/pulse/internal/syncer"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// runtime holds the services shared by the server and the CLI commands.
type runtime struct {
	config       config.AppConfig
	logger       *zap.Logger
	db           *gorm.DB
	credentials  *credentials.Store
	flows        map[platform.Platform]*oauth.Flow
	connectors   *connectors.Factory
	catalog      *catalog.Service
	history      *history.Reconciler
	runs         *syncer.RunStore
	orchestrator *syncer.Orchestrator
	analytics    *analytics.Service
}

func newRuntime(appConfig config.AppConfig, logger *zap.Logger) (*runtime, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	credentialStore, err := credentials.NewStore(credentials.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	quotaStore, err := quota.NewStore(db, logger)
	if err != nil {
		return nil, err
	}

	flows, err := newFlows(appConfig, logger)
	if err != nil {
		return nil, err
	}
	refreshers := make(map[platform.Platform]platform.TokenRefresher, len(flows))
	for p, flow := range flows {
		refreshers[p] = flow
	}

	factory, err := connectors.NewFactory(connectors.FactoryConfig{
		Credentials: credentialStore,
		Refreshers:  refreshers,
		Quota:       quotaStore,
		YouTube:     appConfig.YouTube,
		TikTok:      appConfig.TikTok,
		Location:    appConfig.Location,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	posts, err := catalog.NewService(catalog.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	reconciler, err := history.NewReconciler(history.ReconcilerConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	runs, err := syncer.NewRunStore(db, logger)
	if err != nil {
		return nil, err
	}

	policies := syncer.DefaultPolicies()
	youtubePolicy := policies[platform.YouTube]
	youtubePolicy.ReportLagDays = appConfig.YouTube.ReportLagDays
	youtubePolicy.ReportWindowDays = appConfig.YouTube.ReportWindowDays
	policies[platform.YouTube] = youtubePolicy
	tiktokPolicy := policies[platform.TikTok]
	tiktokPolicy.MaxPages = appConfig.TikTok.MaxPages
	policies[platform.TikTok] = tiktokPolicy

	orchestrator, err := syncer.NewOrchestrator(syncer.OrchestratorConfig{
		Connectors:  factory,
		Catalog:     posts,
		History:     reconciler,
		Runs:        runs,
		Policies:    policies,
		Location:    appConfig.Location,
		Logger:      logger,
		MaxParallel: appConfig.MaxParallel,
	})
	if err != nil {
		return nil, err
	}

	service, err := analytics.NewService(analytics.ServiceConfig{
		History:         reconciler,
		Catalog:         posts,
		Location:        appConfig.Location,
		DailyLagDays:    appConfig.Query.DailyLagDays,
		DailyWindowDays: appConfig.Query.DailyWindowDays,
		TopPosts:        appConfig.Query.TopPosts,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	return &runtime{
		config:       appConfig,
		logger:       logger,
		db:           db,
		credentials:  credentialStore,
		flows:        flows,
		connectors:   factory,
		catalog:      posts,
		history:      reconciler,
		runs:         runs,
		orchestrator: orchestrator,
		analytics:    service,
	}, nil
}

// newFlows builds a handshake for every platform with client credentials configured.
func newFlows(appConfig config.AppConfig, logger *zap.Logger) (map[platform.Platform]*oauth.Flow, error) {
	states, err := oauth.NewStateCodec([]byte(appConfig.StateSecret), appConfig.StateTTL, nil)
	if err != nil {
		return nil, err
	}
	providers := make([]oauth.ProviderConfig, 0, 2)
	if appConfig.YouTube.Configured() {
		youtubeConfig := appConfig.YouTube
		providers = append(providers, oauth.YouTubeProvider(youtubeConfig.ClientID, youtubeConfig.ClientSecret, youtubeConfig.RedirectURL, youtubeConfig.AuthURL, youtubeConfig.TokenURL))
	}
	if appConfig.TikTok.Configured() {
		tiktokConfig := appConfig.TikTok
		providers = append(providers, oauth.TikTokProvider(tiktokConfig.ClientKey, tiktokConfig.ClientSecret, tiktokConfig.RedirectURL, tiktokConfig.AuthURL, tiktokConfig.TokenURL))
	}

	flows := make(map[platform.Platform]*oauth.Flow, len(providers))
	for _, provider := range providers {
		flow, err := oauth.NewFlow(oauth.FlowConfig{Provider: provider, States: states, Logger: logger})
		if err != nil {
			return nil, err
		}
		flows[provider.Platform] = flow
	}
	if len(flows) == 0 {
		logger.Warn("no platform client credentials configured; authorization endpoints are disabled")
	}
	return flows, nil
}

func (r *runtime) dependencies() server.Dependencies {
	authFlows := make(map[platform.Platform]server.AuthFlow, len(r.flows))
	for p, flow := range r.flows {
		authFlows[p] = flow
	}
	return server.Dependencies{
		Syncer:              r.orchestrator,
		Runs:                r.runs,
		Catalog:             r.catalog,
		History:             r.history,
		Analytics:           r.analytics,
		AuthFlows:           authFlows,
		Credentials:         r.credentials,
		Connectors:          r.connectors,
		Health:              func(ctx context.Context) error { return database.Ping(ctx, r.db) },
		UserID:              r.config.UserID,
		MissingDaysLookback: r.config.Query.MissingDaysLookback,
		Logger:              r.logger,
	}
}

func (r *runtime) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
