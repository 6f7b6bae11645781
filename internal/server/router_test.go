package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/analytics"
	"github.com/MarcoPoloResearchLab/pulse/internal/calendar"
	"github.com/MarcoPoloResearchLab/pulse/internal/catalog"
	"github.com/MarcoPoloResearchLab/pulse/internal/credentials"
	"github.com/MarcoPoloResearchLab/pulse/internal/history"
	"github.com/MarcoPoloResearchLab/pulse/internal/oauth"
	"github.com/MarcoPoloResearchLab/pulse/internal/platform"
	"github.com/MarcoPoloResearchLab/pulse/internal/syncer"
	"github.com/MarcoPoloResearchLab/pulse/internal/testutil"
	"github.com/gin-gonic/gin"
)

var testNow = time.Date(2024, 9, 30, 15, 0, 0, 0, time.UTC)

type stubSyncer struct {
	summaries map[platform.Platform]syncer.Summary
	errs      map[platform.Platform]error
}

func (s stubSyncer) Sync(_ context.Context, _ string, p platform.Platform) (syncer.Summary, error) {
	return s.summaries[p], s.errs[p]
}

func (s stubSyncer) SyncAll(ctx context.Context, userID string, _ []platform.Platform) ([]syncer.Summary, error) {
	results := make([]syncer.Summary, 0, len(platform.All))
	var failures []error
	for _, p := range platform.All {
		summary, err := s.Sync(ctx, userID, p)
		if err != nil {
			summary.Outcome = syncer.OutcomeFailed
			failures = append(failures, err)
		}
		results = append(results, summary)
	}
	return results, errors.Join(failures...)
}

type stubFlow struct {
	credential *credentials.Credential
	callback   string
	err        error
}

func (f stubFlow) AuthorizationURL(userID, callbackURL string) (string, error) {
	return "https://provider.test/authorize?user=" + userID + "&cb=" + callbackURL, nil
}

func (f stubFlow) ExchangeCode(context.Context, string, string) (*credentials.Credential, string, error) {
	return f.credential, f.callback, f.err
}

type recordingCache struct {
	forgotten []string
}

func (r *recordingCache) Forget(userID string, p platform.Platform) {
	r.forgotten = append(r.forgotten, userID+"/"+p.String())
}

type stubSummarizer struct{}

func (stubSummarizer) Summarize(_ context.Context, payload analytics.InsightPayload) (analytics.Insight, error) {
	return analytics.Insight{Summary: "days: " + string(rune('0'+len(payload.Daily)))}, nil
}

type testServer struct {
	handler     http.Handler
	catalog     *catalog.Service
	history     *history.Reconciler
	credentials *credentials.Store
	cache       *recordingCache
}

func newTestServer(t *testing.T, configure func(*Dependencies)) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.OpenSQLite(t, &catalog.Post{}, &history.Snapshot{}, &credentials.Credential{})
	clock := func() time.Time { return testNow }

	posts, err := catalog.NewService(catalog.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build catalog: %v", err)
	}
	reconciler, err := history.NewReconciler(history.ReconcilerConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build reconciler: %v", err)
	}
	store, err := credentials.NewStore(credentials.StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build credential store: %v", err)
	}
	service, err := analytics.NewService(analytics.ServiceConfig{History: reconciler, Catalog: posts, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build analytics: %v", err)
	}
	cache := &recordingCache{}
	deps := Dependencies{
		Syncer:      stubSyncer{},
		Catalog:     posts,
		History:     reconciler,
		Analytics:   service,
		Credentials: store,
		Connectors:  cache,
		UserID:      "owner",
	}
	if configure != nil {
		configure(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return testServer{handler: handler, catalog: posts, history: reconciler, credentials: store, cache: cache}
}

func (s testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, target, http.NoBody)
	} else {
		request = httptest.NewRequest(method, target, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("invalid json %q: %v", recorder.Body.String(), err)
	}
}

func TestSyncEndpointReturnsSummary(testContext *testing.T) {
	server := newTestServer(testContext, func(deps *Dependencies) {
		deps.Syncer = stubSyncer{summaries: map[platform.Platform]syncer.Summary{
			platform.YouTube: {RunID: "run-1", Platform: "youtube", Outcome: syncer.OutcomePartial, Created: 3, Errors: []string{"enrich: timeout"}},
		}}
	})

	for _, method := range []string{http.MethodPost, http.MethodGet} {
		recorder := server.do(testContext, method, "/api/sync/youtube", "")
		if recorder.Code != http.StatusOK {
			testContext.Fatalf("%s: unexpected status %d: %s", method, recorder.Code, recorder.Body.String())
		}
		var summary syncer.Summary
		decode(testContext, recorder, &summary)
		if summary.RunID != "run-1" || summary.Created != 3 || len(summary.Errors) != 1 {
			testContext.Fatalf("unexpected summary %+v", summary)
		}
		var raw map[string]any
		decode(testContext, recorder, &raw)
		_, hasAudience := raw["audience_snapshot"]
		if raw["new"] != float64(3) || raw["posts_processed"] != float64(0) || !hasAudience {
			testContext.Fatalf("unexpected summary keys %v", raw)
		}
	}

	if recorder := server.do(testContext, http.MethodPost, "/api/sync/myspace", ""); recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected unknown platform to be rejected, got %d", recorder.Code)
	}
}

func TestSyncEndpointMapsHardErrors(testContext *testing.T) {
	rateLimited := platform.NewError(platform.KindRateLimited, platform.TikTok, "user_info", errors.New("slow down"))
	rateLimited.RetryAfter = 90 * time.Second

	testCases := []struct {
		name       string
		err        error
		status     int
		retryAfter string
	}{
		{name: "unauthenticated", err: platform.NewError(platform.KindUnauthenticated, platform.TikTok, "user_info", nil), status: http.StatusUnauthorized},
		{name: "rate limited", err: rateLimited, status: http.StatusTooManyRequests, retryAfter: "90"},
		{name: "transient", err: platform.NewError(platform.KindTransientNetwork, platform.TikTok, "user_info", nil), status: http.StatusBadGateway},
		{name: "unclassified", err: errors.New("boom"), status: http.StatusBadGateway},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			server := newTestServer(t, func(deps *Dependencies) {
				deps.Syncer = stubSyncer{
					summaries: map[platform.Platform]syncer.Summary{platform.TikTok: {Platform: "tiktok", Outcome: syncer.OutcomeFailed}},
					errs:      map[platform.Platform]error{platform.TikTok: testCase.err},
				}
			})
			recorder := server.do(t, http.MethodPost, "/api/sync/tiktok", "")
			if recorder.Code != testCase.status {
				t.Fatalf("expected %d, got %d", testCase.status, recorder.Code)
			}
			if recorder.Header().Get("Retry-After") != testCase.retryAfter {
				t.Fatalf("unexpected Retry-After %q", recorder.Header().Get("Retry-After"))
			}
			var body struct {
				Summary syncer.Summary `json:"summary"`
			}
			decode(t, recorder, &body)
			if body.Summary.Outcome != syncer.OutcomeFailed {
				t.Fatalf("expected the failed summary in the body, got %+v", body.Summary)
			}
		})
	}
}

func TestSyncAllReportsPartialFailure(testContext *testing.T) {
	unauthenticated := platform.NewError(platform.KindUnauthenticated, platform.YouTube, "channels", nil)
	server := newTestServer(testContext, func(deps *Dependencies) {
		deps.Syncer = stubSyncer{
			summaries: map[platform.Platform]syncer.Summary{platform.TikTok: {Platform: "tiktok", Outcome: syncer.OutcomeSucceeded}},
			errs:      map[platform.Platform]error{platform.YouTube: unauthenticated},
		}
	})
	recorder := server.do(testContext, http.MethodPost, "/api/sync", "")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200 for a partial failure, got %d", recorder.Code)
	}
	var body syncAllResponsePayload
	decode(testContext, recorder, &body)
	if body.Failed != 1 || len(body.Results) != 2 {
		testContext.Fatalf("unexpected body %+v", body)
	}

	everyFailure := newTestServer(testContext, func(deps *Dependencies) {
		deps.Syncer = stubSyncer{errs: map[platform.Platform]error{platform.YouTube: unauthenticated, platform.TikTok: unauthenticated}}
	})
	if recorder := everyFailure.do(testContext, http.MethodPost, "/api/sync", ""); recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 when every platform failed, got %d", recorder.Code)
	}
}

func TestPostEndpoints(testContext *testing.T) {
	server := newTestServer(testContext, nil)
	result, err := server.catalog.UpsertBatch(context.Background(), "owner", []platform.RawItem{
		{Platform: platform.YouTube, ContentID: "yt-1", Title: "long", PublishedAt: testNow.AddDate(0, 0, -3), DurationSeconds: 600},
		{Platform: platform.TikTok, ContentID: "tt-1", Title: "clip", PublishedAt: testNow.AddDate(0, 0, -2), DurationSeconds: 20},
	})
	if err != nil || result.Created != 2 {
		testContext.Fatalf("unexpected seed %+v %v", result, err)
	}

	recorder := server.do(testContext, http.MethodGet, "/posts?platform=tiktok", "")
	var listed struct {
		Posts []catalog.Post `json:"posts"`
	}
	decode(testContext, recorder, &listed)
	if recorder.Code != http.StatusOK || len(listed.Posts) != 1 || listed.Posts[0].PlatformContentID != "tt-1" {
		testContext.Fatalf("unexpected listing %d %+v", recorder.Code, listed.Posts)
	}
	if recorder := server.do(testContext, http.MethodGet, "/posts?platform=vine", ""); recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected bad platform to be rejected, got %d", recorder.Code)
	}

	id := listed.Posts[0].ID
	target := "/posts/" + strconv.FormatUint(uint64(id), 10)
	recorder = server.do(testContext, http.MethodPost, target+"/reference", "")
	var toggled struct {
		IsReference bool `json:"is_reference"`
	}
	decode(testContext, recorder, &toggled)
	if recorder.Code != http.StatusOK || !toggled.IsReference {
		testContext.Fatalf("expected reference flag set, got %d %s", recorder.Code, recorder.Body.String())
	}

	if recorder := server.do(testContext, http.MethodDelete, target, ""); recorder.Code != http.StatusNoContent {
		testContext.Fatalf("expected 204, got %d", recorder.Code)
	}
	recorder = server.do(testContext, http.MethodDelete, target, "")
	if recorder.Code != http.StatusNotFound {
		testContext.Fatalf("expected 404 on second delete, got %d", recorder.Code)
	}
	var failure struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	decode(testContext, recorder, &failure)
	if failure.Error != "not_found" || failure.Code != "catalog.delete_post.not_found" {
		testContext.Fatalf("unexpected error body %+v", failure)
	}
	if recorder := server.do(testContext, http.MethodDelete, "/posts/abc", ""); recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected invalid id to be rejected, got %d", recorder.Code)
	}
}

func TestManualUpdateFeedsDailyGrowth(testContext *testing.T) {
	server := newTestServer(testContext, nil)
	body := `[
		{"date":"2024-09-01","platform":"youtube","count":100,"is_final":true},
		{"date":"2024-09-02","platform":"youtube","count":104,"views":7,"is_final":true}
	]`
	recorder := server.do(testContext, http.MethodPost, "/api/metrics/update_manual", body)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = server.do(testContext, http.MethodGet, "/dashboard/daily_growth?start_date=2024-09-01&end_date=2024-09-03", "")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var daily struct {
		Period struct {
			Start string `json:"start_date"`
			End   string `json:"end_date"`
		} `json:"period"`
		Series []analytics.DailyPoint `json:"series"`
	}
	decode(testContext, recorder, &daily)
	if daily.Period.Start != "2024-09-01" || len(daily.Series) != 3 {
		testContext.Fatalf("unexpected daily response %+v", daily)
	}
	second := daily.Series[1].Platforms["youtube"]
	if second.NetGrowth != 4 || second.Views != 7 {
		testContext.Fatalf("unexpected growth on the second day %+v", second)
	}
	if third := daily.Series[2].Platforms["youtube"]; third != (analytics.Growth{}) {
		testContext.Fatalf("expected a zero-filled third day, got %+v", third)
	}
}

func TestManualUpdateRejectsInvalidEntriesAtomically(testContext *testing.T) {
	server := newTestServer(testContext, nil)
	body := `[
		{"date":"2024-09-01","platform":"youtube","count":100},
		{"date":"2024-09-02","platform":"youtube","count":-1}
	]`
	recorder := server.do(testContext, http.MethodPost, "/api/metrics/update_manual", body)
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected 400, got %d", recorder.Code)
	}
	latest, err := server.history.LatestBefore(context.Background(), "owner", platform.YouTube, calendar.NewDay(2100, time.January, 1))
	if err != nil || latest != nil {
		testContext.Fatalf("expected nothing stored, got %+v %v", latest, err)
	}
	if recorder := server.do(testContext, http.MethodPost, "/api/metrics/update_manual", `{"date":"2024-09-01"}`); recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected an object body to be rejected, got %d", recorder.Code)
	}
}

func TestDashboardRejectsInvalidRanges(testContext *testing.T) {
	server := newTestServer(testContext, nil)
	for _, target := range []string{
		"/dashboard/daily_growth?start_date=2024-13-01",
		"/dashboard/daily_growth?start_date=2024-09-10&end_date=2024-09-01",
		"/dashboard/monthly_growth?start_date=2020-01-01&end_date=2024-09-01",
	} {
		recorder := server.do(testContext, http.MethodGet, target, "")
		if recorder.Code != http.StatusBadRequest {
			testContext.Fatalf("%s: expected 400, got %d", target, recorder.Code)
		}
	}
}

func TestDashboardDefaults(testContext *testing.T) {
	server := newTestServer(testContext, nil)

	recorder := server.do(testContext, http.MethodGet, "/dashboard/monthly_growth", "")
	var monthly struct {
		Series []analytics.MonthlyPoint `json:"series"`
	}
	decode(testContext, recorder, &monthly)
	if recorder.Code != http.StatusOK || len(monthly.Series) != 12 || monthly.Series[0].Month != "2023-10" || monthly.Series[11].Month != "2024-09" {
		testContext.Fatalf("unexpected monthly default %d %+v", recorder.Code, monthly.Series)
	}

	recorder = server.do(testContext, http.MethodGet, "/dashboard/weekly_growth", "")
	var weekly struct {
		Series []analytics.WeeklyPoint `json:"series"`
	}
	decode(testContext, recorder, &weekly)
	if recorder.Code != http.StatusOK || len(weekly.Series) != 12 {
		testContext.Fatalf("unexpected weekly default %d %d", recorder.Code, len(weekly.Series))
	}

	for _, target := range []string{"/dashboard/audience", "/dashboard/efficiency", "/api/insights/payload", "/healthz"} {
		if recorder := server.do(testContext, http.MethodGet, target, ""); recorder.Code != http.StatusOK {
			testContext.Fatalf("%s: unexpected status %d: %s", target, recorder.Code, recorder.Body.String())
		}
	}
}

func TestMissingDaysListsLookbackWindow(testContext *testing.T) {
	server := newTestServer(testContext, func(deps *Dependencies) {
		deps.MissingDaysLookback = 3
	})
	if _, err := server.history.ApplyManual(context.Background(), history.ManualOverride{
		UserID: "owner", Platform: platform.TikTok, Day: mustDay(testContext, "2024-09-28"), Count: 10, IsFinal: true,
	}); err != nil {
		testContext.Fatalf("unexpected override error: %v", err)
	}

	recorder := server.do(testContext, http.MethodGet, "/api/metrics/missing_days?platform=tiktok", "")
	var body struct {
		Days []history.MissingDay `json:"days"`
	}
	decode(testContext, recorder, &body)
	if recorder.Code != http.StatusOK || len(body.Days) != 2 || body.Days[0].Date != "2024-09-29" || body.Days[1].Date != "2024-09-27" {
		testContext.Fatalf("unexpected missing days %d %+v", recorder.Code, body.Days)
	}

	all := server.do(testContext, http.MethodGet, "/api/metrics/missing_days", "")
	decode(testContext, all, &body)
	if len(body.Days) != 5 {
		testContext.Fatalf("expected both platforms to be listed, got %+v", body.Days)
	}
}

func TestInsightsRequireSummarizer(testContext *testing.T) {
	server := newTestServer(testContext, nil)
	if recorder := server.do(testContext, http.MethodPost, "/api/insights", ""); recorder.Code != http.StatusNotImplemented {
		testContext.Fatalf("expected 501 without a summarizer, got %d", recorder.Code)
	}

	configured := newTestServer(testContext, func(deps *Dependencies) {
		deps.Summarizer = stubSummarizer{}
	})
	recorder := configured.do(testContext, http.MethodPost, "/api/insights?start_date=2024-09-01&end_date=2024-09-03", "")
	var insight analytics.Insight
	decode(testContext, recorder, &insight)
	if recorder.Code != http.StatusOK || insight.Summary != "days: 3" {
		testContext.Fatalf("unexpected insight %d %+v", recorder.Code, insight)
	}
}

func TestAuthCallbackStoresCredential(testContext *testing.T) {
	server := newTestServer(testContext, func(deps *Dependencies) {
		deps.AuthFlows = map[platform.Platform]AuthFlow{
			platform.TikTok: stubFlow{
				credential: &credentials.Credential{UserID: "owner", Platform: "tiktok", AccessToken: "act", RefreshToken: "rft"},
				callback:   "/settings",
			},
			platform.YouTube: stubFlow{err: oauth.ErrInvalidState},
		}
	})

	recorder := server.do(testContext, http.MethodGet, "/auth/tiktok/login?callback=/settings", "")
	if recorder.Code != http.StatusFound || !strings.HasPrefix(recorder.Header().Get("Location"), "https://provider.test/authorize?user=owner") {
		testContext.Fatalf("unexpected login response %d %q", recorder.Code, recorder.Header().Get("Location"))
	}

	recorder = server.do(testContext, http.MethodGet, "/auth/tiktok/callback?code=abc&state=signed", "")
	if recorder.Code != http.StatusFound || recorder.Header().Get("Location") != "/settings" {
		testContext.Fatalf("unexpected callback response %d %q", recorder.Code, recorder.Header().Get("Location"))
	}
	stored, err := server.credentials.Get(context.Background(), "owner", "tiktok")
	if err != nil || stored == nil || stored.AccessToken != "act" {
		testContext.Fatalf("expected stored credential, got %+v %v", stored, err)
	}
	if len(server.cache.forgotten) != 1 || server.cache.forgotten[0] != "owner/tiktok" {
		testContext.Fatalf("expected cached connector to be dropped, got %v", server.cache.forgotten)
	}

	if recorder := server.do(testContext, http.MethodGet, "/auth/youtube/callback?code=abc&state=forged", ""); recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected invalid state to be rejected, got %d", recorder.Code)
	}
	if recorder := server.do(testContext, http.MethodGet, "/auth/youtube/callback?error=access_denied", ""); recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected declined consent to be unauthorized, got %d", recorder.Code)
	}

	if recorder := server.do(testContext, http.MethodDelete, "/auth/tiktok", ""); recorder.Code != http.StatusNoContent {
		testContext.Fatalf("expected 204 on disconnect, got %d", recorder.Code)
	}
	if stored, _ := server.credentials.Get(context.Background(), "owner", "tiktok"); stored != nil {
		testContext.Fatalf("expected credential to be removed")
	}
}

func TestCORSPreflight(testContext *testing.T) {
	server := newTestServer(testContext, nil)
	request := httptest.NewRequest(http.MethodOptions, "/posts/1", http.NoBody)
	request.Header.Set("Origin", "https://dashboard.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		testContext.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if !strings.Contains(recorder.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete) {
		testContext.Fatalf("expected DELETE to be allowed, got %q", recorder.Header().Get("Access-Control-Allow-Methods"))
	}
}

func mustDay(t *testing.T, raw string) calendar.Day {
	t.Helper()
	day, err := calendar.ParseDay(raw)
	if err != nil {
		t.Fatalf("invalid day %q: %v", raw, err)
	}
	return day
}
