package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of items per queue and state",
		},
		[]string{"queue", "state"},
	)
	ItemsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_items_enqueued_total",
			Help: "Total number of items enqueued",
		},
		[]string{"queue", "name"},
	)
	ItemsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_items_completed_total",
			Help: "Total number of items completed",
		},
		[]string{"queue"},
	)
	ItemsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_items_failed_total",
			Help: "Total number of items terminally failed",
		},
		[]string{"queue"},
	)
	ItemsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_items_retried_total",
			Help: "Total number of retry requeues",
		},
		[]string{"queue"},
	)
	ItemsStalledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_items_stalled_total",
			Help: "Total number of items recovered from expired leases",
		},
		[]string{"queue"},
	)
	ProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_processing_duration_seconds",
			Help:    "Handler processing duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"queue"},
	)

	BatchFlushSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_writer_flush_size",
			Help:    "Number of job updates per flush transaction",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 200},
		},
	)
	BatchFlushFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_writer_flush_failures_total",
			Help: "Total number of failed flush transactions",
		},
	)

	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_alerts_total",
			Help: "Total number of threshold alerts emitted",
		},
		[]string{"kind", "severity"},
	)

	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Cache hits by tier",
		},
		[]string{"tier"},
	)
	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Read-through cache misses",
		},
	)
)

// InitMetrics registers all Prometheus collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ItemsEnqueuedTotal)
	prometheus.MustRegister(ItemsCompletedTotal)
	prometheus.MustRegister(ItemsFailedTotal)
	prometheus.MustRegister(ItemsRetriedTotal)
	prometheus.MustRegister(ItemsStalledTotal)
	prometheus.MustRegister(ProcessingDuration)
	prometheus.MustRegister(BatchFlushSize)
	prometheus.MustRegister(BatchFlushFailures)
	prometheus.MustRegister(AlertsTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}
