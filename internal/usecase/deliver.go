package usecase

import (
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/givehub/crm-relay/internal/domain"
)

// HandoffService serves the pull-based delivery protocol for external
// CRM-side consumers. Fetch-then-flip gives at-most-once delivery: a row is
// counted by exactly one caller because the flip predicate fails the second
// time.
type HandoffService struct {
	Audit domain.AuditRepository
}

// NewHandoffService constructs a HandoffService with the given repo.
func NewHandoffService(a domain.AuditRepository) HandoffService { return HandoffService{Audit: a} }

// Pull fetches the earliest undelivered CRON_JOB rows for one cron type and
// marks them delivered in the same call. The returned entries are the rows
// this caller now owns; Updated is how many flips it won.
func (s HandoffService) Pull(ctx domain.Context, cronType string, max int) ([]domain.AuditEntry, int64, error) {
	if cronType != "" && !domain.CRMBoundCronType(cronType) {
		return nil, 0, fmt.Errorf("op=handoff.pull: type %q is not CRM-bound: %w", cronType, domain.ErrInvalidArgument)
	}
	entries, err := s.Audit.FetchUndelivered(ctx, domain.HandoffFilter{Type: cronType, Max: max})
	if err != nil {
		return nil, 0, err
	}
	if len(entries) == 0 {
		return nil, 0, nil
	}
	var updated int64
	// Flip in chunks of 1000 to respect the mark-delivered bound.
	for _, chunk := range lo.Chunk(entries, 1000) {
		ids := lo.Map(chunk, func(e domain.AuditEntry, _ int) string { return e.ID })
		n, err := s.Audit.MarkDelivered(ctx, ids)
		if err != nil {
			return nil, updated, err
		}
		updated += n
	}
	if updated < int64(len(entries)) {
		slog.Debug("handoff raced a concurrent puller",
			slog.Int("fetched", len(entries)), slog.Int64("updated", updated))
	}
	return entries, updated, nil
}

// MarkDelivered flips up to 1000 ids and reports the count actually updated.
// A partial win is not an error; the remainder stays visible to the next
// fetch.
func (s HandoffService) MarkDelivered(ctx domain.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("op=handoff.mark_delivered: no ids: %w", domain.ErrInvalidArgument)
	}
	return s.Audit.MarkDelivered(ctx, ids)
}
