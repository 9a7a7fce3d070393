package usecase

import (
	"github.com/givehub/crm-relay/internal/domain"
)

// AuditService fronts the append-only audit log for the HTTP surface.
type AuditService struct {
	Audit domain.AuditRepository
}

// NewAuditService constructs an AuditService with the given repo.
func NewAuditService(a domain.AuditRepository) AuditService { return AuditService{Audit: a} }

// Record appends one entry and returns its id.
func (s AuditService) Record(ctx domain.Context, e domain.AuditEntry) (string, error) {
	return s.Audit.Append(ctx, e)
}

// Query returns one filtered page plus the total match count.
func (s AuditService) Query(ctx domain.Context, f domain.AuditFilter) ([]domain.AuditEntry, int64, error) {
	return s.Audit.Query(ctx, f)
}

// Aggregates returns the summary buckets for the same filter.
func (s AuditService) Aggregates(ctx domain.Context, f domain.AuditFilter) (domain.AuditAggregates, error) {
	return s.Audit.Aggregates(ctx, f)
}
