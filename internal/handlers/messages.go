package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keepsake/backend/internal/validation"
)

// MessageHandler serves scheduled messages.
type MessageHandler struct {
	Messages MessageService
}

// Schedule handles POST /api/v1/messages.
func (h MessageHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req validation.MessageInput
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(ctx, w, err)
		return
	}
	msg, err := h.Messages.ScheduleMessage(ctx, currentUser(r), req)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusCreated, msg)
}

// Get handles GET /api/v1/messages/{messageID}.
func (h MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	msg, err := h.Messages.GetMessage(ctx, currentUser(r), chi.URLParam(r, "messageID"))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, msg)
}

// List handles GET /api/v1/messages.
func (h MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	msgs, err := h.Messages.ListMessages(ctx, currentUser(r))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{"messages": msgs})
}

// Cancel handles POST /api/v1/messages/{messageID}/cancel.
func (h MessageHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	msg, err := h.Messages.CancelMessage(ctx, currentUser(r), chi.URLParam(r, "messageID"))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, msg)
}
