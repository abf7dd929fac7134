// Package device derives a short client label from the User-Agent header.
// Browsers used by reviewers and the HTTP clients embedded in test rigs both
// end up as a stable label on audit records.
package device

import (
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"atsflow/pkg/requestcontext"
)

// Label normalizes a raw User-Agent into "<browser>/<os>" for browsers and
// keeps the leading "product/version" token for equipment clients.
func Label(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "unknown"
	}
	ua := useragent.New(raw)
	if ua.Bot() {
		name, _ := ua.Browser()
		return "bot/" + name
	}
	if ua.Mozilla() == "" {
		return strings.Fields(raw)[0]
	}
	name, _ := ua.Browser()
	if os := ua.OSInfo().Name; os != "" {
		return name + "/" + os
	}
	return name
}

// Middleware stores the client label in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithClient(r.Context(), Label(r.Header.Get("User-Agent")))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
