package tiktok

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/credentials"
	"github.com/MarcoPoloResearchLab/pulse/internal/platform"
)

type memoryStore struct {
	credential credentials.Credential
	saved      int
}

func (s *memoryStore) Get(context.Context, string, string) (*credentials.Credential, error) {
	copied := s.credential
	return &copied, nil
}

func (s *memoryStore) Save(_ context.Context, credential *credentials.Credential) error {
	s.credential = *credential
	s.saved++
	return nil
}

type rotatingRefresher struct{}

func (rotatingRefresher) Refresh(_ context.Context, credential *credentials.Credential) (*credentials.Credential, error) {
	refreshed := *credential
	refreshed.AccessToken = "fresh"
	return &refreshed, nil
}

func newTestConnector(t *testing.T, handler http.Handler, store *memoryStore) *Connector {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := platform.NewClient(platform.ClientConfig{
		Platform:    platform.TikTok,
		UserID:      "user-1",
		Credentials: store,
		Refresher:   rotatingRefresher{},
		Classifier:  ClassifyResponse,
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	connector, err := NewConnector(Config{Client: client, APIURL: server.URL})
	if err != nil {
		t.Fatalf("failed to build connector: %v", err)
	}
	return connector
}

func TestListContentFollowsCursor(testContext *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/video/list/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Query().Get("fields") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var payload map[string]int64
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload["max_count"] != 20 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if payload["cursor"] == 0 {
			_, _ = w.Write([]byte(`{"data":{"videos":[{"id":"v1","title":"First","cover_image_url":"https://img/c.jpg","share_url":"https://tiktok/v1","create_time":1722506400,"duration":45,"view_count":300,"like_count":30,"comment_count":3,"share_count":4}],"cursor":1722506400000,"has_more":true},"error":{"code":"ok"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"videos":[{"id":"v2","create_time":1722420000,"duration":240}],"cursor":0,"has_more":false},"error":{"code":"ok"}}`))
	})
	connector := newTestConnector(testContext, mux, &memoryStore{credential: credentials.Credential{AccessToken: "token"}})

	first, err := connector.ListContent(context.Background(), "")
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if first.NextCursor != "1722506400000" || len(first.Items) != 1 {
		testContext.Fatalf("unexpected first page %+v", first)
	}
	item := first.Items[0]
	if item.Metrics.Shares != 4 || item.Thumbnails["cover"] != "https://img/c.jpg" || !item.PublishedAt.Equal(time.Unix(1722506400, 0)) {
		testContext.Fatalf("unexpected item %+v", item)
	}

	second, err := connector.ListContent(context.Background(), first.NextCursor)
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if second.NextCursor != "" || len(second.Items) != 1 || second.Items[0].DurationSeconds != 240 {
		testContext.Fatalf("unexpected last page %+v", second)
	}
}

func TestEmbeddedInvalidTokenTriggersRefresh(testContext *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/user/info/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			_, _ = w.Write([]byte(`{"error":{"code":"access_token_invalid","message":"expired"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"user":{"follower_count":42,"likes_count":900,"profile_views":17}},"error":{"code":"ok"}}`))
	})
	store := &memoryStore{credential: credentials.Credential{AccessToken: "stale", RefreshToken: "refresh"}}
	connector := newTestConnector(testContext, mux, store)

	counters, err := connector.AccountCounter(context.Background())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if counters.Followers != 42 || counters.Likes != 900 || counters.ProfileViews != 17 {
		testContext.Fatalf("unexpected counters %+v", counters)
	}
	if store.saved != 1 || store.credential.AccessToken != "fresh" {
		testContext.Fatalf("expected refreshed credential to be persisted, got %+v", store)
	}
}

func TestClassifyResponse(testContext *testing.T) {
	testCases := []struct {
		name     string
		status   int
		body     string
		expected error
	}{
		{name: "ok", status: http.StatusOK, body: `{"error":{"code":"ok"}}`, expected: nil},
		{name: "scope", status: http.StatusOK, body: `{"error":{"code":"scope_not_authorized"}}`, expected: platform.ErrUnauthenticated},
		{name: "rate", status: http.StatusOK, body: `{"error":{"code":"rate_limit_exceeded"}}`, expected: platform.ErrRateLimited},
		{name: "unknown code", status: http.StatusBadRequest, body: `{"error":{"code":"invalid_params"}}`, expected: platform.ErrProviderPermanent},
		{name: "plain 503", status: http.StatusServiceUnavailable, body: ``, expected: platform.ErrTransientNetwork},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			classified := ClassifyResponse(testCase.status, http.Header{}, []byte(testCase.body))
			if testCase.expected == nil {
				if classified != nil {
					t.Fatalf("expected success, got %v", classified)
				}
				return
			}
			if classified == nil || !errors.Is(classified, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, classified)
			}
		})
	}
}

func TestReportIsEmpty(testContext *testing.T) {
	connector := newTestConnector(testContext, http.NewServeMux(), &memoryStore{})
	rows, err := connector.Report(context.Background(), platform.ReportQuery{Dimension: platform.DimensionDay})
	if err != nil || len(rows) != 0 {
		testContext.Fatalf("expected no report rows, got %v %v", rows, err)
	}
}
