package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/logging"
)

// TokenVerifier resolves a bearer access token to a user id.
type TokenVerifier interface {
	Verify(accessToken string) (string, error)
}

// RequireUser rejects requests without a valid bearer token. The verified
// user id is stored on the request context and attached to its logger.
func RequireUser(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeError(w, apperr.Unauthenticated())
				return
			}
			userID, err := verifier.Verify(token)
			if err != nil {
				logging.FromContext(r.Context()).Debug("access token rejected", "error", err)
				writeError(w, apperr.Unauthenticated())
				return
			}

			ctx := logging.WithUserID(r.Context(), userID)
			ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With(slog.String("user_id", userID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
