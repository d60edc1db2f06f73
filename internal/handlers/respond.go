package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/logging"
)

const maxJSONBody = 1 << 20

func respondJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.FromContext(ctx).Error("encode response body", "status", status, "error", err)
		return
	}

	logger := logging.FromContext(ctx)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "status", status, "response", payload)
	case status >= http.StatusBadRequest:
		logger.Warn("request returned client error", "status", status, "response", payload)
	}
}

// respondError renders err as its user-facing description. Causes are logged
// but never written to the client.
func respondError(ctx context.Context, w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(ctx).Error("operation failed", "error", err)
	}
	desc := apperr.Describe(err)
	if desc.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(desc.RetryAfterSeconds))
	}
	respondJSON(ctx, w, status, desc)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		logging.FromContext(r.Context()).Warn("invalid request payload", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation("The request body is too large.")
		}
		if errors.Is(err, io.EOF) {
			return apperr.Validation("The request body is empty.")
		}
		return apperr.Validation("The request body is not valid JSON.")
	}
	return nil
}

func currentUser(r *http.Request) string {
	return logging.UserIDFromContext(r.Context())
}
