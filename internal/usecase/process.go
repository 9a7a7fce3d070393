// Package usecase holds the application services between the HTTP/queue
// adapters and the domain.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/givehub/crm-relay/internal/domain"
)

// handlerMaxAttempts bounds CRM retries at the handler level: the first
// failure yields exactly one retry.
const handlerMaxAttempts = 2

// ProcessError is the tagged failure outcome of one CRM call. The worker glue
// translates Retryable into the broker's retry path; nothing in the handler
// panics or throws.
type ProcessError struct {
	Category  domain.ErrorCategory
	Retryable bool
	Err       error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Categorize classifies a CRM failure. HTTP status wins over transport
// probing; the probe order is fixed.
func Categorize(httpCode int, err error) domain.ErrorCategory {
	switch {
	case httpCode == 401:
		return domain.CategoryAuth
	case httpCode == 403:
		return domain.CategoryAuthz
	case httpCode == 429:
		return domain.CategoryRateLimit
	case httpCode >= 500:
		return domain.CategoryServer
	}
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return domain.CategoryConnection
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return domain.CategoryTimeout
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.CategoryTimeout
		}
	}
	return domain.CategoryUnknown
}

// crmItem is one normalized element of a CRM response body.
type crmItem struct {
	Success *bool  `json:"Success"`
	OrderID string `json:"OrderId"`
	ID      string `json:"Id"`
	Message string `json:"Message"`
}

// normalizeCRMItems flattens the three shapes the CRM returns: a bare array,
// an object wrapping a "data" array, or a single object.
func normalizeCRMItems(data json.RawMessage) []crmItem {
	if len(data) == 0 {
		return nil
	}
	var items []crmItem
	if err := json.Unmarshal(data, &items); err == nil {
		return items
	}
	var wrapped struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.Data) > 0 {
		if err := json.Unmarshal(wrapped.Data, &items); err == nil {
			return items
		}
		var single crmItem
		if err := json.Unmarshal(wrapped.Data, &single); err == nil {
			return []crmItem{single}
		}
	}
	var single crmItem
	if err := json.Unmarshal(data, &single); err == nil {
		return []crmItem{single}
	}
	return nil
}

// referenceID picks the reference for a CRON_JOB audit row: response OrderId,
// then the payload's SourceExternalId, PledgeId, and nested
// TransactionDetails.SourceExternalId, in that order.
func referenceID(item crmItem, payload json.RawMessage) string {
	if item.OrderID != "" {
		return item.OrderID
	}
	var p struct {
		SourceExternalID   string `json:"SourceExternalId"`
		PledgeID           string `json:"PledgeId"`
		TransactionDetails struct {
			SourceExternalID string `json:"SourceExternalId"`
		} `json:"TransactionDetails"`
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &p)
	}
	switch {
	case p.SourceExternalID != "":
		return p.SourceExternalID
	case p.PledgeID != "":
		return p.PledgeID
	default:
		return p.TransactionDetails.SourceExternalID
	}
}

// ProcessService executes one salesforce queue item against the CRM and
// records every observable step. Job-row mutations go through the update
// sink, never to the store directly.
type ProcessService struct {
	CRM      domain.CRMClient
	Audit    domain.AuditRepository
	Updates  domain.UpdateSink
	Settings domain.SettingsProvider
	ErrLog   domain.ErrorLog
	Env      string
}

// NewProcessService wires a ProcessService.
func NewProcessService(crm domain.CRMClient, audit domain.AuditRepository, updates domain.UpdateSink, settings domain.SettingsProvider, errLog domain.ErrorLog, env string) ProcessService {
	return ProcessService{CRM: crm, Audit: audit, Updates: updates, Settings: settings, ErrLog: errLog, Env: env}
}

// auditEnabled consults the TTL-refreshed settings snapshot; a snapshot error
// never blocks processing and defaults to enabled.
func (s ProcessService) auditEnabled(ctx domain.Context) bool {
	if s.Settings == nil {
		return true
	}
	snap, err := s.Settings.Snapshot(ctx)
	if err != nil {
		return true
	}
	return snap.EnableAuditLog
}

func (s ProcessService) appendAudit(ctx domain.Context, e domain.AuditEntry) {
	if !s.auditEnabled(ctx) {
		return
	}
	if _, err := s.Audit.Append(ctx, e); err != nil {
		slog.Error("audit append failed", slog.String("action", e.Action), slog.Any("error", err))
	}
}

// Execute runs the CRM call for one reserved item. On success it returns the
// CRM envelope to store as the item's return value; on failure it returns a
// *ProcessError carrying the category and retry decision.
func (s ProcessService) Execute(ctx domain.Context, item *domain.QueuedItem) (json.RawMessage, error) {
	var task domain.SalesforceTaskPayload
	if err := json.Unmarshal(item.Payload, &task); err != nil {
		return nil, &ProcessError{
			Category: domain.CategoryUnknown,
			Err:      fmt.Errorf("op=process.execute: malformed payload: %w", err),
		}
	}

	start := time.Now()
	s.appendAudit(ctx, domain.AuditEntry{
		UserID:      task.UserID,
		APIKeyID:    task.APIKeyID,
		Action:      domain.ActionJobStarted,
		Method:      "SALESFORCE",
		Endpoint:    task.Endpoint,
		Type:        task.Type,
		ReferenceID: task.IdempotencyKey,
		StatusCode:  202,
		IPAddress:   "system",
		IsDelivered: true,
	})
	s.Updates.Submit(domain.JobUpdate{
		IdempotencyKey: task.IdempotencyKey,
		Status:         domain.JobProcessing,
	})

	headers := map[string]string{"Authorization": "Bearer " + task.Token}
	env, callErr := s.CRM.DirectAPI(ctx, task.Endpoint, task.Payload, headers, true)
	elapsed := time.Since(start)

	if callErr != nil || env.ErrorFlag {
		return nil, s.fail(ctx, task, env, callErr, item, elapsed)
	}

	for _, ci := range normalizeCRMItems(env.Data) {
		if ci.Success == nil {
			continue
		}
		msg := ci.Message
		s.appendAudit(ctx, domain.AuditEntry{
			UserID:        task.UserID,
			APIKeyID:      task.APIKeyID,
			Action:        domain.ActionCronJob,
			Method:        "SALESFORCE",
			Endpoint:      task.Endpoint,
			Type:          task.Type,
			ReferenceID:   referenceID(ci, task.Payload),
			ExternalID:    ci.ID,
			StatusCode:    env.HTTPCode,
			StatusMessage: &msg,
			ResponseData:  env.Data,
			IPAddress:     "system",
			DurationMS:    elapsed.Milliseconds(),
			IsDelivered:   false,
		})
	}

	snapshot, _ := json.Marshal(env)
	s.Updates.Submit(domain.JobUpdate{
		IdempotencyKey: task.IdempotencyKey,
		Status:         domain.JobCompleted,
		CRMResponse:    snapshot,
		ProcessingMS:   elapsed.Milliseconds(),
	})
	s.appendAudit(ctx, domain.AuditEntry{
		UserID:      task.UserID,
		APIKeyID:    task.APIKeyID,
		Action:      domain.ActionJobCompleted,
		Method:      "SALESFORCE",
		Endpoint:    task.Endpoint,
		Type:        task.Type,
		ReferenceID: task.IdempotencyKey,
		StatusCode:  200,
		IPAddress:   "system",
		DurationMS:  elapsed.Milliseconds(),
		IsDelivered: true,
	})
	return snapshot, nil
}

func (s ProcessService) fail(ctx domain.Context, task domain.SalesforceTaskPayload, env domain.CRMEnvelope, callErr error, item *domain.QueuedItem, elapsed time.Duration) error {
	if callErr == nil {
		callErr = fmt.Errorf("crm returned http %d", env.HTTPCode)
	}
	category := Categorize(env.HTTPCode, callErr)
	retryable := category.Retryable() && item.AttemptsMade+1 < handlerMaxAttempts

	if retryable {
		// The job row stays processing; the broker schedules the next attempt.
		return &ProcessError{Category: category, Retryable: true, Err: callErr}
	}

	errMsg := callErr.Error()
	s.Updates.Submit(domain.JobUpdate{
		IdempotencyKey: task.IdempotencyKey,
		Status:         domain.JobFailed,
		ErrorMessage:   &errMsg,
		ProcessingMS:   elapsed.Milliseconds(),
	})
	s.appendAudit(ctx, domain.AuditEntry{
		UserID:        task.UserID,
		APIKeyID:      task.APIKeyID,
		Action:        domain.ActionJobFailed,
		Method:        "SALESFORCE",
		Endpoint:      task.Endpoint,
		Type:          task.Type,
		ReferenceID:   task.IdempotencyKey,
		StatusCode:    500,
		StatusMessage: &errMsg,
		IPAddress:     "system",
		DurationMS:    elapsed.Milliseconds(),
		IsDelivered:   true,
	})
	if s.ErrLog != nil {
		s.ErrLog.LogError(ctx, domain.ErrorEntry{
			Message:     errMsg,
			Type:        "error",
			Source:      "worker.salesforce",
			Environment: s.Env,
			StatusCode:  env.HTTPCode,
			Metadata: map[string]any{
				"errorType":       string(category),
				"severity":        category.Severity(),
				"idempotency_key": task.IdempotencyKey,
			},
		})
	}
	return &ProcessError{Category: category, Retryable: false, Err: callErr}
}
