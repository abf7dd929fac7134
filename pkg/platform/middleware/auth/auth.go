// Package auth authenticates bearer tokens and places the actor on the context.
package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"atsflow/pkg/domain"
	dErrors "atsflow/pkg/domain-errors"
	"atsflow/pkg/platform/httputil"
	request "atsflow/pkg/platform/middleware/request"
	"atsflow/pkg/requestcontext"
)

// JWTValidator validates a raw bearer token.
type JWTValidator interface {
	ValidateToken(tokenString string) (*JWTClaims, error)
}

// JWTClaims is the subset of token claims the middleware needs.
type JWTClaims struct {
	Subject string
	Role    string
	JTI     string
}

// RequireAuth rejects requests without a valid bearer token. The token's
// subject and role become the request actor.
func RequireAuth(validator JWTValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := request.GetRequestID(ctx)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "Missing or invalid Authorization header"))
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "Invalid or expired token"))
				return
			}

			role, err := domain.ParseRole(claims.Role)
			if err != nil || claims.Subject == "" {
				logger.WarnContext(ctx, "unauthorized access - unknown role",
					"role", claims.Role,
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "Invalid or expired token"))
				return
			}

			ctx = requestcontext.WithActor(ctx, domain.Actor{ID: claims.Subject, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
