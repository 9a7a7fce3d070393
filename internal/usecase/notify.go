package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/givehub/crm-relay/internal/domain"
)

// internalTask is the payload shape of the email and notifications queues.
type internalTask struct {
	Type           string `json:"type"`
	IdempotencyKey string `json:"idempotency_key"`
}

// InternalService handles the internal-only queues: no CRM call, just the
// job-store lifecycle and an audit trail.
type InternalService struct {
	Audit    domain.AuditRepository
	Updates  domain.UpdateSink
	Settings domain.SettingsProvider
}

// NewInternalService constructs an InternalService.
func NewInternalService(audit domain.AuditRepository, updates domain.UpdateSink, settings domain.SettingsProvider) InternalService {
	return InternalService{Audit: audit, Updates: updates, Settings: settings}
}

// Execute completes one internal task. A malformed payload is terminal.
func (s InternalService) Execute(ctx domain.Context, item *domain.QueuedItem) (json.RawMessage, error) {
	start := time.Now()
	var task internalTask
	if err := json.Unmarshal(item.Payload, &task); err != nil {
		return nil, &ProcessError{
			Category:  domain.CategoryUnknown,
			Retryable: false,
			Err:       fmt.Errorf("op=internal.execute: payload: %w", err),
		}
	}
	if task.Type == "" {
		task.Type = item.Name
	}

	if task.IdempotencyKey != "" {
		s.Updates.Submit(domain.JobUpdate{IdempotencyKey: task.IdempotencyKey, Status: domain.JobProcessing})
	}

	slog.Info("internal task handled",
		slog.String("queue_item", item.ID),
		slog.String("type", task.Type),
		slog.String("idempotency_key", task.IdempotencyKey))

	if s.auditEnabled(ctx) {
		entry := domain.AuditEntry{
			Action:      domain.ActionJobCompleted,
			Method:      "SCHEDULER",
			Endpoint:    "internal/" + task.Type,
			Type:        task.Type,
			ReferenceID: task.IdempotencyKey,
			StatusCode:  200,
			IPAddress:   "system",
			DurationMS:  time.Since(start).Milliseconds(),
			IsDelivered: true,
		}
		if _, err := s.Audit.Append(ctx, entry); err != nil {
			slog.Warn("audit append failed", slog.String("action", entry.Action), slog.Any("error", err))
		}
	}

	result, _ := json.Marshal(map[string]string{"type": task.Type, "status": "done"})
	if task.IdempotencyKey != "" {
		s.Updates.Submit(domain.JobUpdate{
			IdempotencyKey: task.IdempotencyKey,
			Status:         domain.JobCompleted,
			CRMResponse:    result,
			ProcessingMS:   time.Since(start).Milliseconds(),
		})
	}
	return result, nil
}

func (s InternalService) auditEnabled(ctx domain.Context) bool {
	if s.Settings == nil {
		return true
	}
	snap, err := s.Settings.Snapshot(ctx)
	if err != nil {
		return true
	}
	return snap.EnableAuditLog
}
