// Package observability exposes Prometheus metrics for the service.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registered collectors.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	StockAdjustments  *prometheus.CounterVec
	DispatchOutcomes  *prometheus.CounterVec
	ApprovalDecisions *prometheus.CounterVec
	LowStockParts     prometheus.Gauge
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "partshub_http_requests_total",
			Help: "Number of HTTP requests processed, by route, method and status code.",
		}, []string{"route", "method", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "partshub_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		StockAdjustments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "partshub_stock_adjustments_total",
			Help: "Ledger adjustments recorded, by kind.",
		}, []string{"kind"}),
		DispatchOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "partshub_dispatch_total",
			Help: "Parts issue dispatch attempts, by outcome.",
		}, []string{"outcome"}),
		ApprovalDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "partshub_approval_decisions_total",
			Help: "Approval gate decisions, by entity and decision.",
		}, []string{"entity", "decision"}),
		LowStockParts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "partshub_low_stock_parts",
			Help: "Number of parts currently at or below their minimum threshold.",
		}),
	}
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
