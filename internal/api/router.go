package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/metrics"
)

// RouterConfig wires NewRouter. Limiter may be nil.
type RouterConfig struct {
	Auth    *jwtauth.JWTAuth
	Limiter Limiter
	Health  http.HandlerFunc
	Logger  *zap.Logger
}

// NewRouter mounts the gateway routes. /health and /metrics are open; every
// /v1 route needs a bearer token carrying sub and org claims.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(cfg.Logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(jwtauth.Verifier(cfg.Auth))
		r.Use(jwtauth.Authenticator)
		r.Use(RequirePrincipal)
		r.Use(RateLimitMiddleware(cfg.Limiter, cfg.Logger, OrgKeyFunc))

		r.Post("/alerts/{id}/acknowledge", h.AcknowledgeAlert)
		r.Post("/alerts/{id}/resolve", h.ResolveAlert)

		r.Post("/readings", h.SubmitReading)
		r.Post("/unit-events", h.SubmitUnitEvent)
		r.Get("/gaps", h.ListGaps)

		r.Route("/admin/queues", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/", h.QueueHealth)
			r.Get("/{queue}/failed", h.ListFailedJobs)
			r.Post("/{queue}/jobs/{id}/retry", h.RetryFailedJob)
		})
	})

	health := cfg.Health
	if health == nil {
		health = func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		}
	}
	r.Get("/health", health)

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	return r
}
