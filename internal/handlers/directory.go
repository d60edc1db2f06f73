package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/keepsake/backend/internal/apperr"
)

// DirectoryHandler serves user lookups.
type DirectoryHandler struct {
	Directory DirectoryService
}

// Search handles GET /api/v1/users/search?q=&limit=.
func (h DirectoryHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(ctx, w, apperr.Validation("limit must be a positive number."))
			return
		}
		limit = n
	}

	profiles, err := h.Directory.SearchUsers(ctx, currentUser(r), r.URL.Query().Get("q"), limit)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{"users": profiles})
}

// Profile handles GET /api/v1/users/{userID}. "me" resolves to the caller.
func (h DirectoryHandler) Profile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	uid := currentUser(r)
	id := chi.URLParam(r, "userID")
	if id == "me" {
		id = uid
	}
	profile, err := h.Directory.Profile(ctx, uid, id)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, profile)
}
