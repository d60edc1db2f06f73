package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/logging"
)

func TestIPRateLimiterRefillsOverTime(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewIPRateLimiter(1, 2, time.Minute).WithNowFunc(func() time.Time { return now })

	if !limiter.Allow("1.1.1.1") || !limiter.Allow("1.1.1.1") {
		t.Fatal("expected burst of two to be allowed")
	}
	if limiter.Allow("1.1.1.1") {
		t.Fatal("expected third request to be throttled")
	}
	if !limiter.Allow("2.2.2.2") {
		t.Fatal("other addresses have their own bucket")
	}

	now = now.Add(time.Second)
	if !limiter.Allow("1.1.1.1") {
		t.Fatal("expected a token after one second")
	}
}

func TestIPRateLimiterExpiresIdleKeys(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewIPRateLimiter(1, 1, time.Minute).WithNowFunc(func() time.Time { return now })

	limiter.Allow("a")
	limiter.Allow("b")
	if limiter.Len() != 2 {
		t.Fatalf("expected 2 tracked keys got %d", limiter.Len())
	}

	now = now.Add(2 * time.Minute)
	limiter.Allow("c")
	if limiter.Len() != 1 {
		t.Fatalf("expected idle keys to be dropped, got %d", limiter.Len())
	}
}

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

func TestThrottleByIPRespondsTooManyRequests(t *testing.T) {
	called := false
	handler := ThrottleByIP(denyAll{})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if called {
		t.Fatal("handler should not run when throttled")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After 1 got %q", rec.Header().Get("Retry-After"))
	}
	var body apperr.Description
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Kind != "rate_limit" {
		t.Fatalf("unexpected kind %q", body.Kind)
	}
}

func TestClientIPPrefersForwardedHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if got := ClientIP(req); got != "10.0.0.1" {
		t.Fatalf("expected peer address got %q", got)
	}

	req.Header.Set("X-Real-IP", "203.0.113.9")
	if got := ClientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected real ip got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.2")
	if got := ClientIP(req); got != "198.51.100.7" {
		t.Fatalf("expected first forwarded address got %q", got)
	}
}

type stubVerifier struct {
	subject string
	err     error
}

func (s stubVerifier) Verify(string) (string, error) { return s.subject, s.err }

func TestRequireUserStoresSubject(t *testing.T) {
	var seen string
	handler := RequireUser(stubVerifier{subject: "user-1"})(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = logging.UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || seen != "user-1" {
		t.Fatalf("expected user-1 to be authenticated, got status %d user %q", rec.Code, seen)
	}
}

func TestRequireUserRejectsMissingOrInvalidTokens(t *testing.T) {
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run")
	})

	cases := map[string]struct {
		header   string
		verifier TokenVerifier
	}{
		"missing":      {header: "", verifier: stubVerifier{subject: "user-1"}},
		"wrong scheme": {header: "Basic abc", verifier: stubVerifier{subject: "user-1"}},
		"empty token":  {header: "Bearer   ", verifier: stubVerifier{subject: "user-1"}},
		"invalid":      {header: "Bearer abc", verifier: stubVerifier{err: errors.New("expired")}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			RequireUser(tc.verifier)(next).ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401 got %d", rec.Code)
			}
		})
	}
}

func TestRequestLoggerRecoversPanics(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var requestID string
	handler := RequestLogger(logger)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		requestID = logging.RequestIDFromContext(r.Context())
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/folders", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rec.Code)
	}
	if requestID == "" || rec.Header().Get("X-Request-ID") != requestID {
		t.Fatalf("expected request id header to match context, got %q and %q", rec.Header().Get("X-Request-ID"), requestID)
	}
	if !bytes.Contains(buf.Bytes(), []byte("panic recovered")) {
		t.Fatalf("expected panic to be logged, got %s", buf.String())
	}
}

func TestMetricsLabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Metrics)
	r.Get("/folders/{folderID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/folders/abc", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}

	var m dto.Metric
	if err := httpRequestsTotal.WithLabelValues(http.MethodGet, "/folders/{folderID}", "204").Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected one request under the route pattern, got %v", got)
	}
	if got := routePattern(httptest.NewRequest(http.MethodGet, "/nowhere", nil)); got != "unmatched" {
		t.Fatalf("expected unmatched label got %q", got)
	}
}
