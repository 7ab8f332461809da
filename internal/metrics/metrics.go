package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const routeLabelKey ctxKey = "metrics_route"

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	syncPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_sync_passes_total",
		Help: "Total reconciliation passes by direction and outcome.",
	}, []string{"direction", "outcome"})

	eventsPushedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_events_pushed_total",
		Help: "Remote event writes by operation (insert, patch, delete).",
	}, []string{"operation"})

	eventsPulledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calsync_events_pulled_total",
		Help: "Remote events applied to local plan items.",
	})

	tokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_token_refreshes_total",
		Help: "OAuth refresh-token grants by outcome.",
	}, []string{"outcome"})

	webhookNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_webhook_notifications_total",
		Help: "Inbound push notifications by disposition.",
	}, []string{"disposition"})

	cursorInvalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calsync_cursor_invalidations_total",
		Help: "Sync cursors invalidated by the provider (HTTP 410).",
	})
)

// Middleware records request metrics and enriches the context with the route
// label for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routePattern(r)
			ctx := context.WithValue(r.Context(), routeLabelKey, route)

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			httpRequestsTotal.WithLabelValues(r.Method, route).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).
				Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records database latency for a given operation,
// associating it with the request route when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	dbLatency.WithLabelValues(operation, routeFromContext(ctx)).Observe(time.Since(start).Seconds())
}

// ObserveSyncPass records the outcome of a pull or push pass.
func ObserveSyncPass(direction, outcome string) {
	syncPassesTotal.WithLabelValues(direction, outcome).Inc()
}

// ObserveEventPushed counts a confirmed remote write.
func ObserveEventPushed(operation string) {
	eventsPushedTotal.WithLabelValues(operation).Inc()
}

// ObserveEventsPulled counts remote events applied locally.
func ObserveEventsPulled(n int) {
	eventsPulledTotal.Add(float64(n))
}

// ObserveTokenRefresh counts a refresh-token grant attempt.
func ObserveTokenRefresh(outcome string) {
	tokenRefreshesTotal.WithLabelValues(outcome).Inc()
}

// ObserveWebhook counts an inbound notification by disposition (accepted,
// handshake, unknown_channel, resource_mismatch, stale_channel, malformed,
// error).
func ObserveWebhook(disposition string) {
	webhookNotificationsTotal.WithLabelValues(disposition).Inc()
}

// ObserveCursorInvalidation counts a provider-side cursor expiry.
func ObserveCursorInvalidation() {
	cursorInvalidationsTotal.Inc()
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
