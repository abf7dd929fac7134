// Package requesttime pins one "now" per request so every timestamp written
// while serving it (audit records, transitions, certificate validity) agrees.
package requesttime

import (
	"net/http"
	"time"

	"atsflow/pkg/requestcontext"
)

// Middleware stamps the request with clock(). A nil clock uses time.Now.
func Middleware(clock func() time.Time) func(http.Handler) http.Handler {
	if clock == nil {
		clock = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestcontext.WithTime(r.Context(), clock().UTC())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
