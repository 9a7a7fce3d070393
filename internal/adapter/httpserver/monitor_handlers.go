package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
)

// MonitorHealthHandler serves GET /queue/monitor/health: 200 while no recent
// critical alert is standing, 503 otherwise.
func (s *Server) MonitorHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		healthy := s.Monitor.Healthy()
		st := http.StatusOK
		if !healthy {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"healthy": healthy})
	}
}

// MonitorDetailedHandler serves GET /queue/monitor/detailed: the last sample
// plus recent alerts, cached briefly.
func (s *Server) MonitorDetailedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := s.cached(r.Context(), monitorDetailedPolicy, nil, func(context.Context) ([]byte, error) {
			return json.Marshal(map[string]any{
				"snapshot": s.Monitor.Latest(),
				"alerts":   s.Monitor.Alerts(),
				"backlog":  s.Writer.Backlog(),
			})
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}

// MonitorMetricsHandler serves GET /queue/monitor/metrics: the raw last
// sample.
func (s *Server) MonitorMetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Monitor.Latest())
	}
}

// MonitorAlertsHandler serves GET /queue/monitor/alerts.
func (s *Server) MonitorAlertsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": s.Monitor.Alerts()})
	}
}

// ForceFlushHandler serves POST /queue/monitor/force-flush: drain the batch
// writer synchronously.
func (s *Server) ForceFlushHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Writer.ForceFlush(r.Context()); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"flushed": true, "backlog": s.Writer.Backlog()})
	}
}
