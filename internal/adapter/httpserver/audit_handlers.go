package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/givehub/crm-relay/internal/adapter/cache"
	"github.com/givehub/crm-relay/internal/domain"
	"github.com/givehub/crm-relay/internal/usecase"
)

// AuditQueryHandler serves GET /audit with the shared filter parameters.
func (s *Server) AuditQueryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseAuditFilter(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		entries, total, err := s.Audit.Query(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": entries, "total": total, "page": f.Page, "limit": f.Limit,
		})
	}
}

// AuditAggregatesHandler serves GET /audit/aggregates, cached for a minute.
func (s *Server) AuditAggregatesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseAuditFilter(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		params := map[string]string{
			"action": f.Action, "method": f.Method, "search": f.Search,
		}
		if f.SalesforceScoped {
			params["salesforce"] = "true"
		}
		body, err := s.cached(r.Context(), auditAggregatesPolicy, params, func(ctx context.Context) ([]byte, error) {
			agg, err := s.Audit.Aggregates(ctx, f)
			if err != nil {
				return nil, err
			}
			return json.Marshal(agg)
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

// cached routes a read through the cache store when one is configured.
func (s *Server) cached(ctx context.Context, p cache.Policy, params map[string]string, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if s.Cache == nil {
		return compute(ctx)
	}
	return s.Cache.GetOrCompute(ctx, p, params, compute)
}

// AuditExportHandler serves GET /audit/export?format=csv|json|xlsx, streaming
// the full filtered match set.
func (s *Server) AuditExportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseAuditFilter(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		format := usecase.ExportFormat(r.URL.Query().Get("format"))
		if format == "" {
			format = usecase.FormatCSV
		}
		switch format {
		case usecase.FormatCSV, usecase.FormatJSON, usecase.FormatXLSX:
		default:
			writeError(w, r, fmt.Errorf("%w: unknown format %q", domain.ErrInvalidArgument, format), nil)
			return
		}
		w.Header().Set("Content-Type", s.Export.ContentType(format))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=audit-logs.%s", format))
		if err := s.Export.Export(r.Context(), f, format, w); err != nil {
			writeError(w, r, err, nil)
		}
	}
}
