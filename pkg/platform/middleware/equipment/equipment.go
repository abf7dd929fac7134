// Package equipment authenticates testing equipment posting readings.
package equipment

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	dErrors "atsflow/pkg/domain-errors"
	"atsflow/pkg/platform/httputil"
	request "atsflow/pkg/platform/middleware/request"
)

const (
	HeaderToken = "X-Equipment-Token"
	HeaderID    = "X-Equipment-ID"
)

// RequireToken admits requests carrying the shared equipment token and an
// equipment id. An empty expected token disables the check.
func RequireToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expectedToken == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			token := r.Header.Get(HeaderToken)
			if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
				logger.WarnContext(ctx, "equipment token mismatch",
					"request_id", request.GetRequestID(ctx),
					"equipment_id", r.Header.Get(HeaderID),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "equipment token required"))
				return
			}
			if strings.TrimSpace(r.Header.Get(HeaderID)) == "" {
				httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "equipment id header required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
