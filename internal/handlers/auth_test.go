package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/auth"
	"github.com/keepsake/backend/internal/models"
	"github.com/keepsake/backend/internal/validation"
)

type stubAccounts struct {
	user models.User
	err  error
	seen validation.LoginInput
}

func (s *stubAccounts) SignUp(_ context.Context, in validation.SignUpInput) (models.User, error) {
	if s.err != nil {
		return models.User{}, s.err
	}
	u := s.user
	u.Email = in.Email
	return u, nil
}

func (s *stubAccounts) Authenticate(_ context.Context, in validation.LoginInput) (models.User, error) {
	s.seen = in
	if s.err != nil {
		return models.User{}, s.err
	}
	return s.user, nil
}

type denyLimiter struct{ keys []string }

func (d *denyLimiter) Allow(key string) bool {
	d.keys = append(d.keys, key)
	return false
}

func newTestManager() *auth.Manager {
	return auth.NewManager([]byte(testSecret), "keepsake", time.Minute, time.Hour, auth.NewInMemorySessionStore())
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestAuthHandlerSignUp(t *testing.T) {
	handler := AuthHandler{
		Accounts: &stubAccounts{user: models.User{ID: "user-1", Handle: "tester"}},
		Sessions: newTestManager(),
	}

	rec := postJSON(t, handler.SignUp, "/api/v1/auth/signup", validation.SignUpInput{Email: "test@example.com", Password: "supersafe", Handle: "tester"})
	expectStatus(t, rec, http.StatusCreated)

	var resp authResponse
	decode(t, rec, &resp)
	if resp.Tokens.AccessToken == "" || resp.Tokens.RefreshToken == "" {
		t.Fatalf("expected tokens to be issued, got %+v", resp.Tokens)
	}
	if resp.User.ID != "user-1" || resp.User.Handle != "tester" {
		t.Fatalf("unexpected profile %+v", resp.User)
	}
}

func TestAuthHandlerSignUpConflict(t *testing.T) {
	handler := AuthHandler{
		Accounts: &stubAccounts{err: apperr.Conflict("That email address is already registered.")},
		Sessions: newTestManager(),
	}

	rec := postJSON(t, handler.SignUp, "/api/v1/auth/signup", validation.SignUpInput{Email: "dup@example.com", Password: "supersafe", Handle: "dup"})
	expectStatus(t, rec, http.StatusConflict)

	var body apperr.Description
	decode(t, rec, &body)
	if body.Kind != "conflict" || body.Message == "" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestAuthHandlerLogin(t *testing.T) {
	accounts := &stubAccounts{user: models.User{ID: "user-1", Handle: "login"}}
	handler := AuthHandler{Accounts: accounts, Sessions: newTestManager()}

	rec := postJSON(t, handler.Login, "/api/v1/auth/login", validation.LoginInput{Email: "login@example.com", Password: "password123"})
	expectStatus(t, rec, http.StatusOK)

	var resp authResponse
	decode(t, rec, &resp)
	if resp.Tokens.AccessToken == "" || resp.Tokens.RefreshToken == "" {
		t.Fatalf("expected tokens to be issued, got %+v", resp.Tokens)
	}
	if accounts.seen.Email != "login@example.com" {
		t.Fatalf("expected credentials to be forwarded, got %+v", accounts.seen)
	}
}

func TestAuthHandlerLoginRejectsBadCredentials(t *testing.T) {
	handler := AuthHandler{Accounts: &stubAccounts{err: apperr.InvalidCredentials()}, Sessions: newTestManager()}

	rec := postJSON(t, handler.Login, "/api/v1/auth/login", validation.LoginInput{Email: "login@example.com", Password: "nope"})
	expectStatus(t, rec, http.StatusUnauthorized)
}

func TestAuthHandlerLoginThrottled(t *testing.T) {
	limiter := &denyLimiter{}
	handler := AuthHandler{Accounts: &stubAccounts{}, Sessions: newTestManager(), Limiter: limiter}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader([]byte(`{}`)))
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	handler.Login(rec, req)

	expectStatus(t, rec, http.StatusTooManyRequests)
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60 got %q", rec.Header().Get("Retry-After"))
	}
	if len(limiter.keys) != 1 || limiter.keys[0] != "login:192.0.2.1" {
		t.Fatalf("unexpected limiter keys %v", limiter.keys)
	}
}

func TestAuthHandlerRejectsMalformedBody(t *testing.T) {
	handler := AuthHandler{Accounts: &stubAccounts{}, Sessions: newTestManager()}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader([]byte(`{"email":`)))
	rec := httptest.NewRecorder()
	handler.Login(rec, req)
	expectStatus(t, rec, http.StatusBadRequest)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader([]byte(`{"email":"a@b.c","password":"x","admin":true}`)))
	rec = httptest.NewRecorder()
	handler.Login(rec, req)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestAuthHandlerRefresh(t *testing.T) {
	manager := newTestManager()
	tokens, err := manager.Issue(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("issue tokens: %v", err)
	}

	handler := AuthHandler{Sessions: manager}

	rec := postJSON(t, handler.Refresh, "/api/v1/auth/refresh", refreshRequest{RefreshToken: tokens.RefreshToken})
	expectStatus(t, rec, http.StatusOK)

	var resp authResponse
	decode(t, rec, &resp)
	if resp.Tokens.RefreshToken == tokens.RefreshToken {
		t.Fatal("expected a new refresh token to be issued")
	}

	rec = postJSON(t, handler.Refresh, "/api/v1/auth/refresh", refreshRequest{RefreshToken: tokens.RefreshToken})
	expectStatus(t, rec, http.StatusUnauthorized)

	rec = postJSON(t, handler.Refresh, "/api/v1/auth/refresh", refreshRequest{})
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestLogoutEverywhereEndsAllSessions(t *testing.T) {
	api := newAPI(t)
	uid, token := api.signUp(t, "logout_user")

	extra, err := api.sessions.Issue(context.Background(), uid)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	rec := api.do(t, http.MethodPost, "/api/v1/auth/logout", "", map[string]any{"everywhere": true})
	expectStatus(t, rec, http.StatusUnauthorized)

	rec = api.do(t, http.MethodPost, "/api/v1/auth/logout", token, map[string]any{"everywhere": true})
	expectStatus(t, rec, http.StatusNoContent)

	rec = api.do(t, http.MethodPost, "/api/v1/auth/refresh", "", refreshRequest{RefreshToken: extra.RefreshToken})
	expectStatus(t, rec, http.StatusUnauthorized)
}
