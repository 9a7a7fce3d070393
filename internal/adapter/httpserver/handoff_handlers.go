package httpserver

import (
	"net/http"

	"github.com/givehub/crm-relay/internal/domain"
)

// HandoffPullHandler serves GET /v1/salesforce/{pledge,oneoff}-cron-jobs:
// fetch the earliest undelivered CRON_JOB rows for cronType and flip them
// delivered in the same request.
func (s *Server) HandoffPullHandler(cronType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		max, err := queryInt(r, "max", 0)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		entries, updated, err := s.Handoff.Pull(r.Context(), cronType, max)
		if err != nil {
			writeError(w, r, err, map[string]string{"type": cronType})
			return
		}
		if s.Cache != nil && updated > 0 {
			s.Cache.InvalidateAll(r.Context(), auditInvalidation)
		}
		if entries == nil {
			entries = []domain.AuditEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": entries, "count": len(entries), "marked": updated,
		})
	}
}

// MarkDeliveredHandler serves POST /audit/mark-delivered. The response
// reports the rows actually flipped; concurrent callers never double-count.
func (s *Server) MarkDeliveredHandler() http.HandlerFunc {
	type request struct {
		JobIDs []string `json:"jobIds" validate:"required,min=1,max=1000,dive,required"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		updated, err := s.Handoff.MarkDelivered(r.Context(), req.JobIDs)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if s.Cache != nil && updated > 0 {
			s.Cache.InvalidateAll(r.Context(), auditInvalidation)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"requested": len(req.JobIDs), "updated": updated,
		})
	}
}
