package domain

import (
	"encoding/json"
	"time"
)

// ErrorCategory classifies a failed CRM call for retry and severity decisions.
type ErrorCategory string

const (
	CategoryAuth       ErrorCategory = "AUTH"
	CategoryAuthz      ErrorCategory = "AUTHZ"
	CategoryRateLimit  ErrorCategory = "RATE_LIMIT"
	CategoryServer     ErrorCategory = "SERVER"
	CategoryConnection ErrorCategory = "CONNECTION"
	CategoryTimeout    ErrorCategory = "TIMEOUT"
	CategoryUnknown    ErrorCategory = "UNKNOWN"
)

// Retryable reports whether the broker should schedule another attempt for
// this category.
func (c ErrorCategory) Retryable() bool {
	switch c {
	case CategoryServer, CategoryConnection, CategoryRateLimit, CategoryTimeout:
		return true
	default:
		return false
	}
}

// Severity maps a category to the error-log severity. Every category has a
// non-null severity.
func (c ErrorCategory) Severity() string {
	switch c {
	case CategoryServer, CategoryConnection:
		return "critical"
	case CategoryAuth, CategoryAuthz:
		return "error"
	default:
		return "warning"
	}
}

// CRMEnvelope is the response shape of the external CRM HTTP client. All
// non-2xx responses surface as ErrorFlag=true.
type CRMEnvelope struct {
	HTTPCode  int               `json:"http_code"`
	Data      json.RawMessage   `json:"data"`
	ErrorFlag bool              `json:"error_flag"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// CRMClient is the external CRM HTTP collaborator. Calls are idempotent and
// time out at 30s.
type CRMClient interface {
	DirectAPI(ctx Context, url string, payload json.RawMessage, headers map[string]string, isJSON bool) (CRMEnvelope, error)
}

// TokenResult is the token provider outcome.
type TokenResult struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TokenProvider fetches CRM access tokens.
type TokenProvider interface {
	GetToken(ctx Context) (TokenResult, error)
}

// SettingsSnapshot is a TTL-refreshed view of the live settings the core
// consumes. Audit writes short-circuit when EnableAuditLog is false.
type SettingsSnapshot struct {
	EnableAuditLog bool
	FetchedAt      time.Time
}

// SettingsProvider exposes the settings snapshot capability.
type SettingsProvider interface {
	Snapshot(ctx Context) (SettingsSnapshot, error)
}

// ErrorEntry is one structured record for the error-log collaborator.
type ErrorEntry struct {
	Message     string         `json:"message"`
	Type        string         `json:"type"`
	Source      string         `json:"source"`
	Environment string         `json:"environment"`
	Stack       string         `json:"stack,omitempty"`
	StatusCode  int            `json:"status_code,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ErrorLog is the best-effort error-log collaborator; failures here are never
// fatal to the worker.
type ErrorLog interface {
	LogError(ctx Context, e ErrorEntry)
}
