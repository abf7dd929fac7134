package testutil

import (
	"net/http"
	"time"

	"atsflow/pkg/domain"
	"atsflow/pkg/requestcontext"
)

// WithActor places an authenticated actor on the request context, as the
// auth middleware would.
func WithActor(req *http.Request, actorID string, role domain.Role) *http.Request {
	ctx := requestcontext.WithActor(req.Context(), domain.Actor{ID: actorID, Role: role})
	return req.WithContext(ctx)
}

// WithRequestTime pins the request-scoped clock.
func WithRequestTime(req *http.Request, now time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), now))
}

