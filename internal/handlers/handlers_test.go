package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sdko-org/linkproxy/internal/audit"
	"github.com/sdko-org/linkproxy/internal/auth"
	"github.com/sdko-org/linkproxy/internal/cache"
	"github.com/sdko-org/linkproxy/internal/models"
	"github.com/sdko-org/linkproxy/internal/ratelimit"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	mu    sync.Mutex
	links []models.Link
}

func (f *stubFetcher) FetchLinks(_ context.Context, _ int) ([]models.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links, nil
}

type testServer struct {
	handler   http.Handler
	refresher *cache.Refresher
	audit     *audit.Log
	authority *auth.Authority
}

func newTestServer(t *testing.T, links ...models.Link) *testServer {
	t.Helper()
	logger, _ := test.NewNullLogger()

	authority := auth.NewAuthority([]string{"abc"}, "admin", "s3cret", ratelimit.NewSlidingWindow(5, 15*time.Minute))
	refresher := cache.NewRefresher(logger, &stubFetcher{links: links}, cache.Options{TTL: time.Hour, MaxPages: 2, UpstreamTimeout: time.Second})
	t.Cleanup(refresher.Stop)
	auditLog := audit.NewLog(logger, 10)

	h := NewHandler(logger, authority, refresher, auditLog, false)
	throttle := NewClientRateLimiter(100, time.Minute, false)

	return &testServer{
		handler:   NewRouter(logger, h, throttle, []string{"*"}),
		refresher: refresher,
		audit:     auditLog,
		authority: authority,
	}
}

func (s *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) userToken(t *testing.T) string {
	t.Helper()
	rec := s.do("POST", "/verify-key", `{"key":"abc"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return decode(t, rec)["token"].(string)
}

func (s *testServer) adminToken(t *testing.T) string {
	t.Helper()
	rec := s.do("POST", "/admin/login", `{"login":"admin","password":"s3cret"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return decode(t, rec)["token"].(string)
}

func TestVerifyKeyThenLinks(t *testing.T) {
	s := newTestServer(t)

	rec := s.do("POST", "/verify-key", `{"key":"abc"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "Access granted", body["message"])
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)

	rec = s.do("GET", "/links", "", map[string]string{UserTokenHeader: token})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.IsType(t, []interface{}{}, body["links"])
	info := body["cache_info"].(map[string]interface{})
	assert.IsType(t, true, info["is_updating"])

	assert.Equal(t, 1, s.audit.Len(), "key verification is audited")
	assert.Equal(t, "key_verified", s.audit.List()[0].EventType)
}

func TestVerifyKeyRejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		error  string
	}{
		{"missing key", `{}`, http.StatusBadRequest, "No key provided"},
		{"empty body", ``, http.StatusBadRequest, "No key provided"},
		{"blank key", `{"key":"   "}`, http.StatusBadRequest, "No key provided"},
		{"unknown key", `{"key":"nope"}`, http.StatusUnauthorized, "Invalid key"},
		{"malformed body", `{"key":`, http.StatusBadRequest, "Invalid request body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			rec := s.do("POST", "/verify-key", tt.body, nil)

			assert.Equal(t, tt.status, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, false, body["valid"])
			assert.Equal(t, tt.error, body["error"])
		})
	}
}

func TestLinksRequiresUserToken(t *testing.T) {
	s := newTestServer(t)
	admin := s.adminToken(t)

	for _, headers := range []map[string]string{
		nil,
		{UserTokenHeader: "forged"},
		{UserTokenHeader: admin},
	} {
		rec := s.do("GET", "/links", "", headers)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}

func TestLinksPagesFilter(t *testing.T) {
	s := newTestServer(t,
		models.Link{Link: "p1", Page: 1},
		models.Link{Link: "p2", Page: 2},
		models.Link{Link: "p3", Page: 3},
	)
	s.refresher.ForceRefresh()
	s.refresher.Wait()
	token := s.userToken(t)
	headers := map[string]string{UserTokenHeader: token}

	tests := []struct {
		query  string
		status int
		count  int
	}{
		{"", http.StatusOK, 1},
		{"?pages=abc", http.StatusOK, 1},
		{"?pages=2", http.StatusOK, 2},
		{"?pages=9", http.StatusOK, 2},
		{"?pages=0", http.StatusBadRequest, 0},
		{"?pages=-1", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		rec := s.do("GET", "/links"+tt.query, "", headers)
		require.Equal(t, tt.status, rec.Code, tt.query)
		if tt.status != http.StatusOK {
			continue
		}
		links := decode(t, rec)["links"].([]interface{})
		assert.Len(t, links, tt.count, tt.query)
	}
}

func TestLinksCacheInfo(t *testing.T) {
	s := newTestServer(t, models.Link{Link: "p1", Page: 1})
	headers := map[string]string{UserTokenHeader: s.userToken(t)}

	info := decode(t, s.do("GET", "/links", "", headers))["cache_info"].(map[string]interface{})
	assert.Nil(t, info["last_update"], "nothing refreshed yet")
	assert.Nil(t, info["cache_age_seconds"])

	s.refresher.Wait()
	body := decode(t, s.do("GET", "/links", "", headers))
	info = body["cache_info"].(map[string]interface{})
	assert.NotNil(t, info["last_update"])
	assert.Equal(t, false, info["is_updating"])
	assert.Len(t, body["links"], 1)

	link := body["links"].([]interface{})[0].(map[string]interface{})
	assert.NotContains(t, link, "Page")
}

func TestAdminLoginRateLimit(t *testing.T) {
	s := newTestServer(t)

	for i := 1; i <= 5; i++ {
		rec := s.do("POST", "/admin/login", `{"login":"admin","password":"wrong"}`, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i)
		body := decode(t, rec)
		assert.Equal(t, false, body["valid"])
		assert.Equal(t, float64(5-i), body["remaining_attempts"], "attempt %d", i)
	}

	rec := s.do("POST", "/admin/login", `{"login":"admin","password":"s3cret"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "correct credentials are refused once limited")

	rec = s.do("POST", "/admin/login", ``, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "an empty body does not bypass the limiter")
}

func TestAdminLoginMissingFields(t *testing.T) {
	s := newTestServer(t)

	for _, body := range []string{``, `{"login":"admin"}`, `not json`} {
		rec := s.do("POST", "/admin/login", body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec := s.do("POST", "/admin/login", `{"password":"x"}`, nil)
	assert.Equal(t, float64(1), decode(t, rec)["remaining_attempts"], "missing fields count as attempts")
}

func TestAdminLoginSuccessClearsAttempts(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 4; i++ {
		s.do("POST", "/admin/login", `{"login":"admin","password":"wrong"}`, nil)
	}

	token := s.adminToken(t)
	assert.NotEmpty(t, token)

	rec := s.do("POST", "/admin/login", `{"login":"admin","password":"wrong"}`, nil)
	assert.Equal(t, float64(4), decode(t, rec)["remaining_attempts"])
}

func TestAdminEndpointsRequireAdminToken(t *testing.T) {
	s := newTestServer(t)
	user := s.userToken(t)

	routes := []struct{ method, path string }{
		{"GET", "/admin/connections"},
		{"GET", "/admin/stats"},
		{"POST", "/admin/force-refresh"},
	}
	for _, rt := range routes {
		for _, headers := range []map[string]string{nil, {AdminTokenHeader: user}, {UserTokenHeader: user}} {
			rec := s.do(rt.method, rt.path, "", headers)
			assert.Equal(t, http.StatusUnauthorized, rec.Code, rt.path)
		}
	}
}

func TestForceRefreshUpdatesLastUpdate(t *testing.T) {
	s := newTestServer(t, models.Link{Link: "p1", Page: 1})
	admin := map[string]string{AdminTokenHeader: s.adminToken(t)}
	user := map[string]string{UserTokenHeader: s.userToken(t)}

	rec := s.do("POST", "/admin/force-refresh", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do("POST", "/admin/force-refresh", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["success"])

	s.refresher.Wait()
	info := decode(t, s.do("GET", "/links", "", user))["cache_info"].(map[string]interface{})
	assert.NotNil(t, info["last_update"])
}

func TestLogConnectionAndStats(t *testing.T) {
	s := newTestServer(t)
	admin := map[string]string{AdminTokenHeader: s.adminToken(t)}

	rec := s.do("POST", "/admin/log-connection", `{"ip":"1.1.1.1","country":"FR","countryName":"France","key":"abc","type":"launch"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["success"])

	req := httptest.NewRequest("POST", "/admin/log-connection", nil)
	req.Header.Set("User-Agent", "roblox-client")
	s.handler.ServeHTTP(httptest.NewRecorder(), req)

	rec = s.do("GET", "/admin/connections", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(3), body["total"], "admin login plus two reports")

	var reported map[string]interface{}
	for _, c := range body["connections"].([]interface{}) {
		entry := c.(map[string]interface{})
		if entry["userAgent"] == "roblox-client" {
			reported = entry
		}
	}
	require.NotNil(t, reported)
	assert.Equal(t, "192.0.2.1", reported["ip"])
	assert.Equal(t, "Unknown", reported["country"])
	assert.Equal(t, "Unknown", reported["countryName"])
	assert.Equal(t, "visit", reported["type"])
	assert.NotEmpty(t, reported["timestamp"])
	assert.NotEmpty(t, reported["id"])

	rec = s.do("GET", "/admin/stats", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)
	assert.Equal(t, float64(3), stats["totalConnections"])
	assert.Equal(t, float64(2), stats["uniqueIPs"])
	assert.Equal(t, float64(3), stats["todayConnections"])
	assert.Equal(t, map[string]interface{}{"FR": float64(1), "Unknown": float64(2)}, stats["topCountries"])
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, models.Link{Link: "p1", Page: 1})
	s.userToken(t)

	rec := s.do("GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["valid_keys_count"])
	assert.Equal(t, float64(1), body["active_tokens"])
	assert.Equal(t, float64(0), body["admin_sessions"])
	assert.Equal(t, float64(0), body["cached_links"])
	assert.Nil(t, body["last_update"])
	assert.Equal(t, false, body["is_updating"], "health does not trigger a refresh")
}

func TestPreflight(t *testing.T) {
	s := newTestServer(t)

	rec := s.do("OPTIONS", "/links", "", map[string]string{"Origin": "https://example.com"})

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), UserTokenHeader)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "GET")
}

func TestCORSOriginList(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := CORSMiddleware([]string{"https://a.example"})(next)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://a.example")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://a.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	req.Header.Set("Origin", "https://b.example")
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestClientRateLimiterThrottles(t *testing.T) {
	logger, _ := test.NewNullLogger()
	authority := auth.NewAuthority([]string{"abc"}, "", "", ratelimit.NewSlidingWindow(5, time.Minute))
	refresher := cache.NewRefresher(logger, &stubFetcher{}, cache.Options{})
	t.Cleanup(refresher.Stop)
	h := NewHandler(logger, authority, refresher, audit.NewLog(logger, 10), false)
	router := NewRouter(logger, h, NewClientRateLimiter(2, time.Hour, false), []string{"*"})

	codes := []int{}
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("POST", "/verify-key", strings.NewReader(`{"key":"abc"}`)))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestClientRateLimiterCleanup(t *testing.T) {
	c := NewClientRateLimiter(1, time.Minute, false)
	c.Allow("1.1.1.1")
	c.cleanup(time.Hour)
	assert.Len(t, c.clients, 1)
	c.cleanup(-time.Second)
	assert.Empty(t, c.clients)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		headers    map[string]string
		want       string
	}{
		{"remote addr", false, nil, "192.0.2.1"},
		{"forwarded ignored without trust", false, map[string]string{"X-Forwarded-For": "9.9.9.9"}, "192.0.2.1"},
		{"forwarded first hop", true, map[string]string{"X-Forwarded-For": "9.9.9.9, 10.0.0.1"}, "9.9.9.9"},
		{"real ip", true, map[string]string{"X-Real-IP": "8.8.8.8"}, "8.8.8.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(req, tt.trustProxy))
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decode(t, rec)["error"])
	assert.Equal(t, "Panic recovered", hook.LastEntry().Message)
}

func TestParsePages(t *testing.T) {
	tests := []struct {
		raw  string
		want int
		ok   bool
	}{
		{"", 1, true},
		{"x", 1, true},
		{"1", 1, true},
		{"5", 5, true},
		{"6", 5, true},
		{"0", 0, false},
		{"-3", 0, false},
	}
	for _, tt := range tests {
		got, ok := parsePages(tt.raw, 5)
		assert.Equal(t, tt.ok, ok, tt.raw)
		if ok {
			assert.Equal(t, tt.want, got, tt.raw)
		}
	}
}
