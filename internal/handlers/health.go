package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/keepsake/backend/internal/logging"
)

// HealthHandler responds with service health information.
type HealthHandler struct {
	// Store is pinged by readiness checks. Nil means an in-process store.
	Store Pinger
}

// Handle implements GET /healthz.
func (HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	respondJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready implements GET /readyz.
func (h HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.Store != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(pingCtx); err != nil {
			logging.FromContext(ctx).Warn("readiness check failed", "error", err)
			respondJSON(ctx, w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondJSON(ctx, w, http.StatusOK, map[string]string{"status": "ready"})
}
