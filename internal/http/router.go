package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/carebridge/calsync/internal/config"
	"github.com/carebridge/calsync/internal/http/ratelimit"
	"github.com/carebridge/calsync/internal/metrics"
	"github.com/carebridge/calsync/internal/store"
	syncengine "github.com/carebridge/calsync/internal/sync"
)

// NewRouter wires all HTTP routes for the integration API, the OAuth flows,
// and the webhook receiver.
func NewRouter(cfg *config.Config, st *store.Store, engine *syncengine.Engine) http.Handler {
	r := chi.NewRouter()

	// Auth endpoints: 5 requests per second, burst of 10
	authRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(5), 10, 5*time.Minute, cfg.TrustedProxies)
	// Webhook endpoint: Google can burst heavily after a batch of edits
	webhookRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(50), 100, 5*time.Minute, cfg.TrustedProxies)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := st.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	h := NewHandler(cfg, engine)

	r.Route("/auth/google", func(r chi.Router) {
		r.Use(authRateLimiter.Middleware())
		r.Get("/connect", h.BeginConnect)
		r.Get("/callback", h.HandleCallback)
	})

	r.Route("/api", func(r chi.Router) {
		r.With(authRateLimiter.Middleware()).Post("/google/connect", h.ConnectPKCE)
		r.Get("/integration/status", h.IntegrationStatus)
		r.Post("/integration/sync", h.TriggerSync)
		r.Delete("/integration", h.Disconnect)
	})

	r.With(webhookRateLimiter.Middleware()).Post("/webhooks/google", h.HandleWebhook)

	return r
}
