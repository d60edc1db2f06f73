package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keepsake/backend/internal/models"
	"github.com/keepsake/backend/internal/validation"
)

// FriendHandler provides friend request and friendship endpoints.
type FriendHandler struct {
	Friends FriendService
}

// Invite handles POST /api/v1/friends/requests.
func (h FriendHandler) Invite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req validation.FriendRequestInput
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(ctx, w, err)
		return
	}

	created, err := h.Friends.SendFriendRequest(ctx, currentUser(r), req)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusCreated, created)
}

// Respond handles POST /api/v1/friends/requests/{requestID}/{action}.
func (h FriendHandler) Respond(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	out, err := h.Friends.RespondFriendRequest(ctx, currentUser(r), chi.URLParam(r, "requestID"), chi.URLParam(r, "action"))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, friendOutcomeResponse{Request: out.Request, Friendship: out.Friendship})
}

// Requests handles GET /api/v1/friends/requests.
func (h FriendHandler) Requests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requests, err := h.Friends.ListFriendRequests(ctx, currentUser(r))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{"requests": requests})
}

// List handles GET /api/v1/friends requests.
func (h FriendHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	friendships, err := h.Friends.ListFriends(ctx, currentUser(r))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{"friends": friendships})
}

// Remove handles DELETE /api/v1/friends/{userID}.
func (h FriendHandler) Remove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.Friends.Unfriend(ctx, currentUser(r), chi.URLParam(r, "userID")); err != nil {
		respondError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type friendOutcomeResponse struct {
	Request    models.FriendRequest `json:"request"`
	Friendship *models.Friendship   `json:"friendship,omitempty"`
}
