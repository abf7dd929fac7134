package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	dErrors "atsflow/pkg/domain-errors"
	"atsflow/pkg/platform/httputil"
	"atsflow/pkg/platform/middleware/equipment"
	request "atsflow/pkg/platform/middleware/request"
)

// Limiter throttles requests per equipment id. A limit of zero or less
// disables it.
type Limiter struct {
	store   Store
	limit   int
	window  time.Duration
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

type Option func(*Limiter)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

func New(store Store, limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		limit:  limit,
		window: window,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// PerEquipment must run after equipment.RequireToken so the id header is
// present. Store failures let the request through.
func (l *Limiter) PerEquipment(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l == nil || l.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		id := r.Header.Get(equipment.HeaderID)

		result, err := l.store.Allow(ctx, "equipment:"+id, l.limit, l.window)
		if err != nil {
			l.metrics.IncStoreError()
			l.logger.WarnContext(ctx, "rate limit check failed",
				"request_id", request.GetRequestID(ctx),
				"equipment_id", id,
				"error", err,
			)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
		if !result.Allowed {
			l.metrics.IncRejected()
			w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter(l.now())))
			httputil.WriteError(w, dErrors.Newf(dErrors.CodeRateLimited, "equipment %s exceeded %d readings per %s", id, l.limit, l.window))
			return
		}
		next.ServeHTTP(w, r)
	})
}
