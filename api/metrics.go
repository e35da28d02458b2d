package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors exposed on /metrics. Each server owns its
// registry so tests can build several routers.
type Metrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	collections *prometheus.CounterVec
	refunds     *prometheus.CounterVec
	displaced   prometheus.Counter
	promoted    *prometheus.CounterVec
	jobRuns     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "school_ledger_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "school_ledger_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		collections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "school_ledger_fee_collections_total",
			Help: "Committed fee collections by branch.",
		}, []string{"branch"}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "school_ledger_fee_refunds_total",
			Help: "Committed refunds by branch.",
		}, []string{"branch"}),
		displaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "school_ledger_timetable_displaced_slots_total",
			Help: "Teacher slots removed from other classes by timetable saves.",
		}),
		promoted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "school_ledger_students_promoted_total",
			Help: "Students moved by session promotion, by outcome.",
		}, []string{"outcome"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "school_ledger_scheduler_runs_total",
			Help: "Scheduled job runs by job and result.",
		}, []string{"job", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.requests, m.duration, m.collections, m.refunds, m.displaced, m.promoted, m.jobRuns,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records count and latency per matched route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
