package httpserver

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/givehub/crm-relay/internal/domain"
	"github.com/givehub/crm-relay/internal/usecase"
)

func (s *Server) queueName(r *http.Request) string {
	if q := r.URL.Query().Get("queue"); q != "" {
		return q
	}
	return s.Cfg.QueueName
}

var validItemStates = map[domain.ItemState]bool{
	domain.ItemWaiting: true, domain.ItemActive: true, domain.ItemCompleted: true,
	domain.ItemFailed: true, domain.ItemDelayed: true, domain.ItemPaused: true,
}

// ListJobsHandler serves GET /queue/jobs.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := domain.ItemState(r.URL.Query().Get("state"))
		if state == "" {
			state = domain.ItemWaiting
		}
		if !validItemStates[state] {
			writeError(w, r, fmt.Errorf("%w: unknown state %q", domain.ErrInvalidArgument, state), nil)
			return
		}
		page, err := queryInt(r, "page", 1)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		limit, err := queryInt(r, "limit", 50)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if page < 1 {
			page = 1
		}
		if limit < 1 || limit > 100 {
			limit = 50
		}
		queue := s.queueName(r)
		items, err := s.Broker.List(r.Context(), queue, state, (page-1)*limit, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"queue": queue, "state": state, "page": page, "limit": limit, "data": items,
		})
	}
}

// GetJobHandler serves GET /queue/jobs/{id}.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		item, err := s.Broker.Get(r.Context(), s.queueName(r), id)
		if err != nil {
			writeError(w, r, err, map[string]string{"id": id})
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

// RetryJobHandler serves POST /queue/jobs/{id}/retry for failed items.
func (s *Server) RetryJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Broker.Retry(r.Context(), s.queueName(r), id); err != nil {
			writeError(w, r, err, map[string]string{"id": id})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "retried": true})
	}
}

// RemoveJobHandler serves DELETE /queue/jobs/{id}.
func (s *Server) RemoveJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Broker.Remove(r.Context(), s.queueName(r), id); err != nil {
			writeError(w, r, err, map[string]string{"id": id})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "removed": true})
	}
}

// QueueActionHandler serves POST /queue/queues/{name}/{action} for pause,
// resume and clear.
func (s *Server) QueueActionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		action := chi.URLParam(r, "action")
		var err error
		switch action {
		case "pause":
			err = s.Broker.Pause(r.Context(), name)
		case "resume":
			err = s.Broker.Resume(r.Context(), name)
		case "clear":
			err = s.Broker.Obliterate(r.Context(), name)
		default:
			writeError(w, r, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidArgument, action), nil)
			return
		}
		if err != nil {
			writeError(w, r, err, map[string]string{"queue": name})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queue": name, "action": action, "ok": true})
	}
}

// StatsHandler serves GET /queue/stats across all configured queues.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := make(map[string]domain.QueueCounts, len(s.Queues))
		for _, q := range s.Queues {
			counts, err := s.Broker.Counts(r.Context(), q)
			if err != nil {
				writeError(w, r, err, map[string]string{"queue": q})
				return
			}
			stats[q] = counts
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// CountsHandler serves GET /queue/counts for a single queue.
func (s *Server) CountsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queue := s.queueName(r)
		counts, err := s.Broker.Counts(r.Context(), queue)
		if err != nil {
			writeError(w, r, err, map[string]string{"queue": queue})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queue": queue, "counts": counts})
	}
}

// PerformanceHandler serves GET /queue/performance from the monitor's last
// sample.
func (s *Server) PerformanceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Monitor.Latest())
	}
}

// QueueExportHandler serves POST /queue/export: a one-shot item listing in
// csv, json or xlsx.
func (s *Server) QueueExportHandler() http.HandlerFunc {
	type request struct {
		Queue  string `json:"queue"`
		State  string `json:"state" validate:"required"`
		Format string `json:"format" validate:"required,oneof=csv json xlsx"`
		Limit  int    `json:"limit" validate:"omitempty,min=1,max=1000"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		state := domain.ItemState(req.State)
		if !validItemStates[state] {
			writeError(w, r, fmt.Errorf("%w: unknown state %q", domain.ErrInvalidArgument, req.State), nil)
			return
		}
		if req.Queue == "" {
			req.Queue = s.Cfg.QueueName
		}
		if req.Limit == 0 {
			req.Limit = 1000
		}
		items, err := s.Broker.List(r.Context(), req.Queue, state, 0, req.Limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		format := usecase.ExportFormat(req.Format)
		w.Header().Set("Content-Type", s.Export.ContentType(format))
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%s-%s.%s", req.Queue, req.State, req.Format))
		if err := s.Export.ExportItems(items, format, w); err != nil {
			writeError(w, r, err, nil)
		}
	}
}
