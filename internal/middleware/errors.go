package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/keepsake/backend/internal/apperr"
)

func writeError(w http.ResponseWriter, err error) {
	desc := apperr.Describe(err)
	if desc.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(desc.RetryAfterSeconds))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(desc)
}
