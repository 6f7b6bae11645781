package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/analytics"
	"github.com/MarcoPoloResearchLab/pulse/internal/catalog"
	"github.com/MarcoPoloResearchLab/pulse/internal/config"
	"github.com/MarcoPoloResearchLab/pulse/internal/connectors"
	"github.com/MarcoPoloResearchLab/pulse/internal/credentials"
	"github.com/MarcoPoloResearchLab/pulse/internal/database"
	"github.com/MarcoPoloResearchLab/pulse/internal/history"
	"github.com/MarcoPoloResearchLab/pulse/internal/quota"
	"github.com/MarcoPoloResearchLab/pulse/internal/server"
	"github.com/MarcoPoloResearchLab/pulse/internal/syncer"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const ownerID = "owner"

// fakeTikTok serves the two display API endpoints a sync touches. Views grow by
// viewStep on every listing.
type fakeTikTok struct {
	listings atomic.Int64
	viewStep int64
}

func (f *fakeTikTok) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer integration-token" {
		_, _ = w.Write([]byte(`{"error":{"code":"access_token_invalid","message":"bad token"}}`))
		return
	}
	switch r.URL.Path {
	case "/v2/user/info/":
		_, _ = w.Write([]byte(`{"data":{"user":{"follower_count":42,"likes_count":500,"profile_views":9}},"error":{"code":"ok"}}`))
	case "/v2/video/list/":
		listing := f.listings.Add(1)
		views := 100 + (listing-1)*f.viewStep
		published := time.Now().Add(-48 * time.Hour).Unix()
		_, _ = fmt.Fprintf(w, `{"data":{"videos":[`+
			`{"id":"short-1","title":"Quick","create_time":%d,"duration":30,"view_count":%d,"like_count":10},`+
			`{"id":"long-1","title":"Deep dive","create_time":%d,"duration":600,"view_count":40,"like_count":4}`+
			`],"cursor":0,"has_more":false},"error":{"code":"ok"}}`, published, views, published)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newPulseServer(t *testing.T, provider http.Handler) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	providerServer := httptest.NewServer(provider)
	t.Cleanup(providerServer.Close)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "pulse.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	credentialStore, err := credentials.NewStore(credentials.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build credential store: %v", err)
	}
	if err := credentialStore.Save(context.Background(), &credentials.Credential{
		UserID:      ownerID,
		Platform:    "tiktok",
		AccessToken: "integration-token",
	}); err != nil {
		t.Fatalf("failed to save credential: %v", err)
	}
	quotaStore, err := quota.NewStore(db, logger)
	if err != nil {
		t.Fatalf("failed to build quota store: %v", err)
	}
	factory, err := connectors.NewFactory(connectors.FactoryConfig{
		Credentials: credentialStore,
		Quota:       quotaStore,
		TikTok:      config.TikTokConfig{APIURL: providerServer.URL, PageSize: 20},
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to build connector factory: %v", err)
	}

	posts, err := catalog.NewService(catalog.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build catalog: %v", err)
	}
	reconciler, err := history.NewReconciler(history.ReconcilerConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build reconciler: %v", err)
	}
	runs, err := syncer.NewRunStore(db, logger)
	if err != nil {
		t.Fatalf("failed to build run store: %v", err)
	}
	orchestrator, err := syncer.NewOrchestrator(syncer.OrchestratorConfig{
		Connectors: factory,
		Catalog:    posts,
		History:    reconciler,
		Runs:       runs,
		Policies:   syncer.DefaultPolicies(),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to build orchestrator: %v", err)
	}
	service, err := analytics.NewService(analytics.ServiceConfig{History: reconciler, Catalog: posts, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build analytics: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Syncer:              orchestrator,
		Runs:                runs,
		Catalog:             posts,
		History:             reconciler,
		Analytics:           service,
		Credentials:         credentialStore,
		Connectors:          factory,
		UserID:              ownerID,
		MissingDaysLookback: 5,
		Logger:              logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)
	return testServer
}

func getJSON(t *testing.T, target string, into any) int {
	t.Helper()
	response, err := http.Get(target)
	if err != nil {
		t.Fatalf("GET %s failed: %v", target, err)
	}
	defer response.Body.Close()
	if into != nil {
		if err := json.NewDecoder(response.Body).Decode(into); err != nil {
			t.Fatalf("failed to decode %s: %v", target, err)
		}
	}
	return response.StatusCode
}

func postJSON(t *testing.T, target string, into any) int {
	t.Helper()
	response, err := http.Post(target, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s failed: %v", target, err)
	}
	defer response.Body.Close()
	if into != nil {
		if err := json.NewDecoder(response.Body).Decode(into); err != nil {
			t.Fatalf("failed to decode %s: %v", target, err)
		}
	}
	return response.StatusCode
}

func TestSyncThenQueryFlow(testContext *testing.T) {
	testServer := newPulseServer(testContext, &fakeTikTok{viewStep: 25})

	var first syncer.Summary
	if status := postJSON(testContext, testServer.URL+"/api/sync/tiktok", &first); status != http.StatusOK {
		testContext.Fatalf("expected 200 from first sync, got %d (%+v)", status, first)
	}
	if first.Outcome == syncer.OutcomeFailed || first.Created != 2 || first.PostsProcessed != 2 {
		testContext.Fatalf("unexpected first summary %+v", first)
	}

	var second syncer.Summary
	if status := postJSON(testContext, testServer.URL+"/api/sync/tiktok", &second); status != http.StatusOK {
		testContext.Fatalf("expected 200 from second sync, got %d", status)
	}
	if second.Created != 0 || second.Updated != 2 {
		testContext.Fatalf("expected the second sync to update in place, got %+v", second)
	}

	var listing struct {
		Posts []catalog.Post `json:"posts"`
	}
	if status := getJSON(testContext, testServer.URL+"/posts?platform=tiktok&order=views", &listing); status != http.StatusOK {
		testContext.Fatalf("expected 200 from posts, got %d", status)
	}
	if len(listing.Posts) != 2 {
		testContext.Fatalf("expected two posts, got %+v", listing.Posts)
	}
	top := listing.Posts[0]
	if top.PlatformContentID != "short-1" || top.Metrics.Views != 125 || top.ContentType != "tiktok_short" {
		testContext.Fatalf("unexpected top post %+v", top)
	}
	if listing.Posts[1].ContentType != "tiktok_long" {
		testContext.Fatalf("expected a 600s video to be long form, got %+v", listing.Posts[1])
	}

	var audience struct {
		Platforms map[string]analytics.AudienceEntry `json:"platforms"`
	}
	if status := getJSON(testContext, testServer.URL+"/dashboard/audience", &audience); status != http.StatusOK {
		testContext.Fatalf("expected 200 from audience, got %d", status)
	}
	if audience.Platforms["tiktok"].Count != 42 {
		testContext.Fatalf("expected the live follower count, got %+v", audience.Platforms)
	}

	var runs struct {
		Runs []json.RawMessage `json:"runs"`
	}
	if status := getJSON(testContext, testServer.URL+"/api/sync/runs", &runs); status != http.StatusOK {
		testContext.Fatalf("expected 200 from runs, got %d", status)
	}
	if len(runs.Runs) != 2 {
		testContext.Fatalf("expected both runs to be recorded, got %d", len(runs.Runs))
	}
}

func TestSyncWithoutCredentialIsUnauthorized(testContext *testing.T) {
	testServer := newPulseServer(testContext, &fakeTikTok{})

	var payload map[string]any
	if status := postJSON(testContext, testServer.URL+"/api/sync/youtube", &payload); status != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 for a platform without credentials, got %d (%v)", status, payload)
	}
	if payload["error"] != "unauthenticated" {
		testContext.Fatalf("unexpected error payload %v", payload)
	}
}
