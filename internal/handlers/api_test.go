package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/keepsake/backend/internal/auth"
	"github.com/keepsake/backend/internal/docstore"
	"github.com/keepsake/backend/internal/policy"
	"github.com/keepsake/backend/internal/ratelimit"
	"github.com/keepsake/backend/internal/retry"
	"github.com/keepsake/backend/internal/scheduled"
	"github.com/keepsake/backend/internal/social"
	"github.com/keepsake/backend/internal/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type apiFixture struct {
	handler  http.Handler
	store    *docstore.Memory
	blobs    *storage.Memory
	sessions *auth.Manager
}

func newAPI(t *testing.T) apiFixture {
	t.Helper()
	rules := scheduled.DefaultRules()
	enforcer, err := policy.NewDefault(rules)
	if err != nil {
		t.Fatalf("build enforcer: %v", err)
	}
	store := docstore.NewMemory(enforcer)
	blobs := storage.NewMemory()
	exec := &retry.Executor{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
		Sleep:      func(context.Context, time.Duration) error { return nil },
	}
	svc := social.New(store, ratelimit.New(), exec,
		social.Config{Policies: ratelimit.DefaultPolicies(), Rules: rules},
		social.WithBlobs(blobs))
	sessions := auth.NewManager([]byte(testSecret), "keepsake", time.Minute, time.Hour, auth.NewInMemorySessionStore())

	handler := NewRouter(Dependencies{
		Logger:    slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Accounts:  svc,
		Sessions:  sessions,
		Tokens:    sessions,
		Friends:   svc,
		Folders:   svc,
		Messages:  svc,
		Directory: svc,
	})
	return apiFixture{handler: handler, store: store, blobs: blobs, sessions: sessions}
}

func (f apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// signUp creates an account and returns its id and access token.
func (f apiFixture) signUp(t *testing.T, handle string) (string, string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
		"email":    handle + "@example.com",
		"password": "correct horse",
		"handle":   handle,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup %s: status %d body %s", handle, rec.Code, rec.Body.String())
	}
	var resp authResponse
	decode(t, rec, &resp)
	return resp.User.ID, resp.Tokens.AccessToken
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d got %d: %s", want, rec.Code, rec.Body.String())
	}
}
