package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tracelight/server/internal/auth"
	"github.com/tracelight/server/internal/repo"
)

type contextKey string

const registrationIDKey contextKey = "registration_id"

// Identity validates the bearer identity token and attaches the caller's
// registration id to the request context. Tokens for registrations that no
// longer exist are rejected, so a forgotten registration loses access
// immediately.
func Identity(jwtService *auth.JWTService, registrations repo.RegistrationRepo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				respondWithError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				respondWithError(w, http.StatusUnauthorized, "missing token")
				return
			}

			claims, err := jwtService.VerifyToken(tokenString)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			exists, err := registrations.Exists(r.Context(), claims.ID)
			if err != nil || !exists {
				respondWithError(w, http.StatusUnauthorized, "unknown registration")
				return
			}

			ctx := context.WithValue(r.Context(), registrationIDKey, claims.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetRegistrationID extracts the registration id from context
func GetRegistrationID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(registrationIDKey).(uuid.UUID)
	return id, ok
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}
