package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/givehub/crm-relay/internal/adapter/observability"
	"github.com/givehub/crm-relay/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer())
	r.Use(RequestID())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(TraceMiddleware)
	r.Use(AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Queue administration.
	r.Route("/queue", func(qr chi.Router) {
		qr.Get("/jobs", srv.ListJobsHandler())
		qr.Get("/jobs/{id}", srv.GetJobHandler())
		qr.Get("/stats", srv.StatsHandler())
		qr.Get("/counts", srv.CountsHandler())
		qr.Get("/performance", srv.PerformanceHandler())

		qr.Route("/monitor", func(mr chi.Router) {
			mr.Get("/health", srv.MonitorHealthHandler())
			mr.Get("/detailed", srv.MonitorDetailedHandler())
			mr.Get("/metrics", srv.MonitorMetricsHandler())
			mr.Get("/alerts", srv.MonitorAlertsHandler())
			mr.Post("/force-flush", srv.ForceFlushHandler())
		})

		// Mutations are rate limited.
		qr.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Post("/jobs/{id}/retry", srv.RetryJobHandler())
			wr.Delete("/jobs/{id}", srv.RemoveJobHandler())
			wr.Post("/queues/{name}/{action}", srv.QueueActionHandler())
			wr.Post("/export", srv.QueueExportHandler())
		})
	})

	// Cron control.
	r.Route("/cron-jobs", func(cr chi.Router) {
		cr.Get("/", srv.CronJobsHandler())
		cr.Get("/stats", srv.CronStatsHandler())
		cr.Get("/schedules", srv.CronSchedulesHandler())
		cr.Get("/states", srv.CronStatesHandler())
		cr.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Post("/{type}/run", srv.CronRunNowHandler())
			wr.Put("/{type}/toggle", srv.CronToggleHandler())
		})
	})

	// Delivery handoff for the external CRM consumer; high-volume limits
	// because the consumer polls.
	r.Group(func(hr chi.Router) {
		hr.Use(httprate.LimitByIP(cfg.HighVolumeRateLimit, 1*time.Minute))
		hr.Get("/v1/salesforce/pledge-cron-jobs", srv.HandoffPullHandler("pledge"))
		hr.Get("/v1/salesforce/oneoff-cron-jobs", srv.HandoffPullHandler("oneoff"))
		hr.Post("/audit/mark-delivered", srv.MarkDeliveredHandler())
	})

	// Audit queries and export.
	r.Get("/audit", srv.AuditQueryHandler())
	r.Get("/audit/aggregates", srv.AuditAggregatesHandler())
	r.Get("/audit/export", srv.AuditExportHandler())

	// Health and metrics.
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return SecurityHeaders(r)
}
