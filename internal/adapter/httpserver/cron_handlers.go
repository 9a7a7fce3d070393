package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// CronJobsHandler serves GET /cron-jobs: every type with its schedule and
// enabled flag.
func (s *Server) CronJobsHandler() http.HandlerFunc {
	type entry struct {
		Type     string `json:"type"`
		Schedule string `json:"schedule"`
		Enabled  bool   `json:"enabled"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		states := s.Cron.States()
		schedules := s.Cron.Schedules()
		out := make([]entry, 0, len(schedules))
		for cronType, schedule := range schedules {
			out = append(out, entry{Type: cronType, Schedule: schedule, Enabled: states[cronType]})
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": out})
	}
}

// CronStatsHandler serves GET /cron-jobs/stats.
func (s *Server) CronStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Cron.Stats())
	}
}

// CronSchedulesHandler serves GET /cron-jobs/schedules.
func (s *Server) CronSchedulesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Cron.Schedules())
	}
}

// CronStatesHandler serves GET /cron-jobs/states.
func (s *Server) CronStatesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Cron.States())
	}
}

// CronRunNowHandler serves POST /cron-jobs/{type}/run: a manual tick.
func (s *Server) CronRunNowHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cronType := chi.URLParam(r, "type")
		if err := s.Cron.RunNow(r.Context(), cronType); err != nil {
			writeError(w, r, err, map[string]string{"type": cronType})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"type": cronType, "triggered": true})
	}
}

// CronToggleHandler serves PUT /cron-jobs/{type}/toggle.
func (s *Server) CronToggleHandler() http.HandlerFunc {
	type request struct {
		Enabled *bool `json:"enabled" validate:"required"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		cronType := chi.URLParam(r, "type")
		var req request
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Cron.Toggle(r.Context(), cronType, *req.Enabled); err != nil {
			writeError(w, r, err, map[string]string{"type": cronType})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"type": cronType, "enabled": *req.Enabled})
	}
}
