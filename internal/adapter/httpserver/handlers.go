package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/givehub/crm-relay/internal/adapter/cache"
	"github.com/givehub/crm-relay/internal/app"
	"github.com/givehub/crm-relay/internal/config"
	"github.com/givehub/crm-relay/internal/domain"
	"github.com/givehub/crm-relay/internal/scheduler"
	"github.com/givehub/crm-relay/internal/usecase"
)

// CronControl is the scheduler surface the cron endpoints drive.
type CronControl interface {
	RunNow(ctx domain.Context, cronType string) error
	Toggle(ctx domain.Context, cronType string, enabled bool) error
	States() map[string]bool
	Schedules() map[string]string
	Stats() map[string]scheduler.TypeStats
}

// PerfMonitor is the monitor surface served under /queue/monitor.
type PerfMonitor interface {
	Latest() app.Snapshot
	Alerts() []app.Alert
	Healthy() bool
}

// FlushControl is the batch-writer surface for the force-flush endpoint.
type FlushControl interface {
	ForceFlush(ctx context.Context) error
	Backlog() int
}

// Cache policies for the read-heavy endpoints; write paths invalidate the
// whole audit module.
var (
	auditAggregatesPolicy = cache.Policy{Module: "audit", Endpoint: "aggregates", TTL: time.Minute}
	monitorDetailedPolicy = cache.Policy{Module: "monitor", Endpoint: "detailed", TTL: 30 * time.Second}
	auditInvalidation     = cache.InvalidatePolicy{Patterns: []string{"audit:*"}}
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg     config.Config
	Broker  domain.Broker
	Queues  []string
	Jobs    domain.JobRepository
	Audit   usecase.AuditService
	Export  usecase.ExportService
	Handoff usecase.HandoffService
	Cron    CronControl
	Monitor PerfMonitor
	Writer  FlushControl
	Cache   *cache.Store

	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// HealthzHandler reports process liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// ReadyzHandler probes the database and broker.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
