package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aggregator_build_info",
			Help: "Build information of the aggregator",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aggregator_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Holdings metrics
	TotalAssets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aggregator_total_assets",
			Help: "Current total managed assets (idle plus sub-vault positions), token smallest units",
		},
	)

	BufferedShares = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aggregator_buffered_shares",
			Help: "Unvested buffered shares held against recognized gains",
		},
	)

	RefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_holdings_refreshes_total",
			Help: "Total number of holdings state refreshes",
		},
		[]string{"direction"}, // "gain", "loss", "flat"
	)

	// Routing metrics
	VaultCallErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_vault_call_errors_total",
			Help: "Total number of failed sub-vault calls, by vault and call",
		},
		[]string{"vault", "call"},
	)

	WithdrawFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregator_withdraw_fallbacks_total",
			Help: "Times a proportional withdrawal failed over to the sequential path",
		},
	)

	EmergencyExitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregator_emergency_exits_total",
			Help: "Total number of emergency exits executed",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
