package connectors

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/config"
	"github.com/MarcoPoloResearchLab/pulse/internal/credentials"
	"github.com/MarcoPoloResearchLab/pulse/internal/platform"
	"github.com/MarcoPoloResearchLab/pulse/internal/quota"
	"github.com/MarcoPoloResearchLab/pulse/internal/testutil"
)

func newTestFactory(t *testing.T, providerURL string, dailyUnits int64) (*Factory, *credentials.Store) {
	t.Helper()
	db := testutil.OpenSQLite(t, &credentials.Credential{}, &quota.Counter{})
	now := func() time.Time { return time.Date(2024, 9, 10, 12, 0, 0, 0, time.UTC) }
	store, err := credentials.NewStore(credentials.StoreConfig{Database: db, Clock: now})
	if err != nil {
		t.Fatalf("failed to build credential store: %v", err)
	}
	quotaStore, err := quota.NewStore(db, nil)
	if err != nil {
		t.Fatalf("failed to build quota store: %v", err)
	}
	factory, err := NewFactory(FactoryConfig{
		Credentials: store,
		Quota:       quotaStore,
		YouTube:     config.YouTubeConfig{DataURL: providerURL, AnalyticsURL: providerURL, DailyQuotaUnits: dailyUnits},
		TikTok:      config.TikTokConfig{APIURL: providerURL},
		Clock:       now,
	})
	if err != nil {
		t.Fatalf("failed to build factory: %v", err)
	}
	return factory, store
}

func saveCredential(t *testing.T, store *credentials.Store, p platform.Platform) {
	t.Helper()
	if err := store.Save(context.Background(), &credentials.Credential{UserID: "user-1", Platform: p.String(), AccessToken: "token"}); err != nil {
		t.Fatalf("failed to save credential: %v", err)
	}
}

func TestConnectorRequiresStoredCredential(testContext *testing.T) {
	factory, store := newTestFactory(testContext, "http://unused.test", 0)

	if _, err := factory.Connector(context.Background(), "user-1", platform.TikTok); !errors.Is(err, platform.ErrUnauthenticated) {
		testContext.Fatalf("expected unauthenticated error, got %v", err)
	}

	saveCredential(testContext, store, platform.TikTok)
	first, err := factory.Connector(context.Background(), "user-1", platform.TikTok)
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	second, err := factory.Connector(context.Background(), "user-1", platform.TikTok)
	if err != nil || first != second {
		testContext.Fatalf("expected the cached connector, got %v", err)
	}
	if first.Platform() != platform.TikTok {
		testContext.Fatalf("unexpected platform %s", first.Platform())
	}

	factory.Forget("user-1", platform.TikTok)
	third, err := factory.Connector(context.Background(), "user-1", platform.TikTok)
	if err != nil || third == first {
		testContext.Fatalf("expected a rebuilt connector after forget, got %v", err)
	}
}

func TestYouTubeConnectorConsumesQuota(testContext *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/youtube/v3/channels" || r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"items":[{"id":"UC1","contentDetails":{"relatedPlaylists":{"uploads":"UU1"}},"statistics":{"subscriberCount":"42","viewCount":"900"}}]}`))
	}))
	defer server.Close()

	factory, store := newTestFactory(testContext, server.URL, 2)
	saveCredential(testContext, store, platform.YouTube)
	connector, err := factory.Connector(context.Background(), "user-1", platform.YouTube)
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		counters, err := connector.AccountCounter(context.Background())
		if err != nil || counters.Followers != 42 {
			testContext.Fatalf("unexpected counters %+v %v", counters, err)
		}
	}
	remaining, err := factory.QuotaRemaining(context.Background())
	if err != nil || remaining != 0 {
		testContext.Fatalf("expected exhausted quota, got %d %v", remaining, err)
	}
	if _, err := connector.AccountCounter(context.Background()); !errors.Is(err, platform.ErrRateLimited) {
		testContext.Fatalf("expected quota exhaustion to be rate limited, got %v", err)
	}
}

func TestTikTokConnectorClassifiesEmbeddedErrors(testContext *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{},"error":{"code":"scope_not_authorized","message":"missing scope"}}`))
	}))
	defer server.Close()

	factory, store := newTestFactory(testContext, server.URL, 0)
	saveCredential(testContext, store, platform.TikTok)
	connector, err := factory.Connector(context.Background(), "user-1", platform.TikTok)
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if _, err := connector.AccountCounter(context.Background()); !errors.Is(err, platform.ErrUnauthenticated) {
		testContext.Fatalf("expected unauthenticated error, got %v", err)
	}
}
