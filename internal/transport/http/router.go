package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"atsflow/internal/ratelimit"
	"atsflow/pkg/platform/httputil"
	"atsflow/pkg/platform/middleware/auth"
	"atsflow/pkg/platform/middleware/device"
	"atsflow/pkg/platform/middleware/equipment"
	"atsflow/pkg/platform/middleware/metadata"
	"atsflow/pkg/platform/middleware/request"
	"atsflow/pkg/platform/middleware/requesttime"
)

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// RouterConfig carries what the router needs besides the handler.
type RouterConfig struct {
	Logger         *slog.Logger
	Tokens         auth.JWTValidator
	EquipmentToken string
	EquipmentLimit *ratelimit.Limiter
	Metrics        http.Handler
	Health         map[string]HealthCheck
	RequestTimeout time.Duration
	Clock          func() time.Time
}

// NewRouter wires the public endpoints.
//
//	GET  /healthz                  dependency health
//	GET  /metrics                  Prometheus exposition
//	POST /api/v1/equipment/readings  equipment ingestion (equipment token)
//	     /api/v1/...               Session API (bearer token)
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(request.Recovery(cfg.Logger))
	r.Use(request.RequestID)
	r.Use(request.Logger(cfg.Logger))
	r.Use(requesttime.Middleware(cfg.Clock))
	r.Use(metadata.ClientMetadata)
	r.Use(device.Middleware)

	r.Get("/healthz", healthHandler(cfg.Health))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(request.Timeout(cfg.RequestTimeout))
		r.Use(request.ContentTypeJSON)

		r.Route("/equipment", func(r chi.Router) {
			r.Use(equipment.RequireToken(cfg.EquipmentToken, cfg.Logger))
			r.Use(cfg.EquipmentLimit.PerEquipment)
			h.RegisterEquipment(r)
		})
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(cfg.Tokens, cfg.Logger))
			h.RegisterSessions(r)
		})
	})
	return r
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(checks))}
		status := http.StatusOK
		for name, check := range checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		httputil.WriteJSON(w, status, resp)
	}
}
