package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/auth"
	"github.com/keepsake/backend/internal/logging"
	"github.com/keepsake/backend/internal/models"
	"github.com/keepsake/backend/internal/validation"
)

// AuthHandler implements user authentication endpoints.
type AuthHandler struct {
	Accounts AccountService
	Sessions SessionManager
	Limiter  RateLimiter
}

// Login handles POST /api/v1/auth/login requests.
func (h AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if !allowRequest(h.Limiter, r, "login") {
		logger.Warn("login throttled")
		respondError(ctx, w, apperr.RateLimited("signing in", time.Minute))
		return
	}

	var req validation.LoginInput
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(ctx, w, err)
		return
	}

	user, err := h.Accounts.Authenticate(ctx, req)
	if err != nil {
		logger.Warn("login failed", "error", err)
		respondError(ctx, w, err)
		return
	}

	tokens, err := h.Sessions.Issue(ctx, user.ID)
	if err != nil {
		respondError(ctx, w, apperr.Internal(err))
		return
	}

	logger.Info("user logged in", "userId", user.ID)
	respondJSON(ctx, w, http.StatusOK, authResponse{User: user.Profile(), Tokens: tokens})
}

// SignUp handles POST /api/v1/auth/signup requests.
func (h AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if !allowRequest(h.Limiter, r, "signup") {
		logger.Warn("signup throttled")
		respondError(ctx, w, apperr.RateLimited("creating accounts", time.Minute))
		return
	}

	var req validation.SignUpInput
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(ctx, w, err)
		return
	}

	user, err := h.Accounts.SignUp(ctx, req)
	if err != nil {
		respondError(ctx, w, err)
		return
	}

	tokens, err := h.Sessions.Issue(ctx, user.ID)
	if err != nil {
		respondError(ctx, w, apperr.Internal(err))
		return
	}

	logger.Info("user signed up", "userId", user.ID)
	respondJSON(ctx, w, http.StatusCreated, authResponse{User: user.Profile(), Tokens: tokens})
}

// Refresh handles POST /api/v1/auth/refresh requests.
func (h AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(ctx, w, err)
		return
	}
	if req.RefreshToken == "" {
		respondError(ctx, w, apperr.Validation("refreshToken is required."))
		return
	}

	tokens, err := h.Sessions.Refresh(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrRefreshTokenExpired) || errors.Is(err, auth.ErrSessionNotFound) {
			logging.FromContext(ctx).Warn("refresh rejected", "error", err)
			respondError(ctx, w, apperr.Unauthenticated())
			return
		}
		respondError(ctx, w, apperr.Internal(err))
		return
	}

	respondJSON(ctx, w, http.StatusOK, authResponse{Tokens: tokens})
}

// Logout handles POST /api/v1/auth/logout. With everywhere set, every
// session of the caller is ended instead of just the given one.
func (h AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req logoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(ctx, w, err)
		return
	}

	if !req.Everywhere {
		h.Sessions.Revoke(ctx, req.RefreshToken)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	n, err := h.Sessions.RevokeAll(ctx, currentUser(r))
	if err != nil {
		respondError(ctx, w, apperr.Internal(err))
		return
	}
	logging.FromContext(ctx).Info("sessions revoked", "count", n)
	w.WriteHeader(http.StatusNoContent)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
	Everywhere   bool   `json:"everywhere"`
}

type authResponse struct {
	User   models.Profile       `json:"user"`
	Tokens models.SessionTokens `json:"tokens"`
}
