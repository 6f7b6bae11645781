package platform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/credentials"
)

type memoryCredentialStore struct {
	mu     sync.Mutex
	stored map[string]credentials.Credential
	saves  int
}

func newMemoryCredentialStore(initial ...credentials.Credential) *memoryCredentialStore {
	store := &memoryCredentialStore{stored: map[string]credentials.Credential{}}
	for _, credential := range initial {
		store.stored[credential.UserID+"/"+credential.Platform] = credential
	}
	return store
}

func (s *memoryCredentialStore) Get(_ context.Context, userID, platform string) (*credentials.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	credential, ok := s.stored[userID+"/"+platform]
	if !ok {
		return nil, nil
	}
	return &credential, nil
}

func (s *memoryCredentialStore) Save(_ context.Context, credential *credentials.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.stored[credential.UserID+"/"+credential.Platform] = *credential
	return nil
}

type stubRefresher struct {
	calls int
	token string
	err   error
}

func (r *stubRefresher) Refresh(_ context.Context, credential *credentials.Credential) (*credentials.Credential, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	refreshed := *credential
	refreshed.AccessToken = r.token
	return &refreshed, nil
}

type exhaustedBudget struct{}

func (exhaustedBudget) Consume(context.Context, int64) error {
	return errors.New("budget exhausted")
}

func newTestClient(t *testing.T, store CredentialStore, refresher TokenRefresher) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		Platform:    TikTok,
		UserID:      "user-1",
		Credentials: store,
		Refresher:   refresher,
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return client
}

func getBuilder(url string) RequestBuilder {
	return func(ctx context.Context, _ string) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func TestClientRefreshesOnceAndPersists(testContext *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	store := newMemoryCredentialStore(credentials.Credential{UserID: "user-1", Platform: "tiktok", AccessToken: "stale", RefreshToken: "refresh"})
	refresher := &stubRefresher{token: "fresh"}
	client := newTestClient(testContext, store, refresher)

	body, err := client.Do(context.Background(), "video.list", getBuilder(server.URL))
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if string(body) != `{"ok":true}` {
		testContext.Fatalf("unexpected body %s", body)
	}
	if refresher.calls != 1 {
		testContext.Fatalf("expected exactly one refresh, got %d", refresher.calls)
	}
	persisted, _ := store.Get(context.Background(), "user-1", "tiktok")
	if persisted.AccessToken != "fresh" || store.saves != 1 {
		testContext.Fatalf("expected refreshed token to be persisted, got %+v saves=%d", persisted, store.saves)
	}
}

func TestClientSecondRejectionIsUnauthenticated(testContext *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	store := newMemoryCredentialStore(credentials.Credential{UserID: "user-1", Platform: "tiktok", AccessToken: "stale", RefreshToken: "refresh"})
	refresher := &stubRefresher{token: "still-bad"}
	client := newTestClient(testContext, store, refresher)

	_, err := client.Do(context.Background(), "video.list", getBuilder(server.URL))
	if !errors.Is(err, ErrUnauthenticated) {
		testContext.Fatalf("expected unauthenticated error, got %v", err)
	}
	if requests != 2 || refresher.calls != 1 {
		testContext.Fatalf("expected one retry after one refresh, got requests=%d refreshes=%d", requests, refresher.calls)
	}
}

func TestClientWithoutCredentialIsUnauthenticated(testContext *testing.T) {
	client := newTestClient(testContext, newMemoryCredentialStore(), nil)
	_, err := client.Do(context.Background(), "user.info", getBuilder("http://127.0.0.1:1"))
	if !errors.Is(err, ErrUnauthenticated) {
		testContext.Fatalf("expected unauthenticated error, got %v", err)
	}
}

func TestClientRefreshesExpiredTokenBeforeCalling(testContext *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	expired := time.Now().Add(-time.Hour)
	store := newMemoryCredentialStore(credentials.Credential{UserID: "user-1", Platform: "tiktok", AccessToken: "stale", RefreshToken: "refresh", ExpiresAt: &expired})
	refresher := &stubRefresher{token: "fresh"}
	client := newTestClient(testContext, store, refresher)

	if _, err := client.Do(context.Background(), "user.info", getBuilder(server.URL)); err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if refresher.calls != 1 {
		testContext.Fatalf("expected proactive refresh, got %d calls", refresher.calls)
	}
}

func TestClientDoesNotRefreshTwiceInOneCall(testContext *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	expired := time.Now().Add(-time.Hour)
	store := newMemoryCredentialStore(credentials.Credential{UserID: "user-1", Platform: "tiktok", AccessToken: "stale", RefreshToken: "refresh", ExpiresAt: &expired})
	refresher := &stubRefresher{token: "rejected"}
	client := newTestClient(testContext, store, refresher)

	_, err := client.Do(context.Background(), "user.info", getBuilder(server.URL))
	if !errors.Is(err, ErrUnauthenticated) {
		testContext.Fatalf("expected unauthenticated error, got %v", err)
	}
	if requests != 1 || refresher.calls != 1 {
		testContext.Fatalf("expected a single refresh and request, got requests=%d refreshes=%d", requests, refresher.calls)
	}
}

func TestClientClassifiesProviderFailures(testContext *testing.T) {
	testCases := []struct {
		name       string
		status     int
		header     map[string]string
		body       string
		expected   error
		retryAfter time.Duration
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "42"}, expected: ErrRateLimited, retryAfter: 42 * time.Second},
		{name: "quota exceeded", status: http.StatusForbidden, body: `{"error":{"errors":[{"reason":"quotaExceeded"}]}}`, expected: ErrRateLimited, retryAfter: time.Minute},
		{name: "forbidden", status: http.StatusForbidden, body: `{"error":"forbidden"}`, expected: ErrProviderPermanent},
		{name: "server error", status: http.StatusBadGateway, expected: ErrTransientNetwork},
		{name: "not found", status: http.StatusNotFound, expected: ErrProviderPermanent},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for key, value := range testCase.header {
					w.Header().Set(key, value)
				}
				w.WriteHeader(testCase.status)
				_, _ = w.Write([]byte(testCase.body))
			}))
			defer server.Close()

			store := newMemoryCredentialStore(credentials.Credential{UserID: "user-1", Platform: "tiktok", AccessToken: "token"})
			client := newTestClient(t, store, nil)
			_, err := client.Do(context.Background(), "video.list", getBuilder(server.URL))
			if !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
			if testCase.retryAfter != 0 && RetryAfterOf(err) != testCase.retryAfter {
				t.Fatalf("expected retry after %s, got %s", testCase.retryAfter, RetryAfterOf(err))
			}
		})
	}
}

func TestClientStopsWhenQuotaExhausted(testContext *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{
		Platform:    YouTube,
		UserID:      "user-1",
		Credentials: newMemoryCredentialStore(credentials.Credential{UserID: "user-1", Platform: "youtube", AccessToken: "token"}),
		Quota:       exhaustedBudget{},
	})
	if err != nil {
		testContext.Fatalf("failed to build client: %v", err)
	}
	_, err = client.Do(context.Background(), "videos.list", getBuilder(server.URL))
	if !errors.Is(err, ErrRateLimited) {
		testContext.Fatalf("expected rate limited error, got %v", err)
	}
	if called {
		testContext.Fatalf("provider must not be called once the budget is exhausted")
	}
}
