package domain

import (
	"encoding/json"
	"time"
)

// Audit actions recorded by the job execution plane.
const (
	ActionCronJob      = "CRON_JOB"
	ActionJobStarted   = "JOB_STARTED"
	ActionJobScheduled = "JOB_SCHEDULED"
	ActionJobCompleted = "JOB_COMPLETED"
	ActionJobFailed    = "JOB_FAILED"
)

// Cron job types driven by the scheduler.
const (
	CronTypePledge    = "pledge"
	CronTypeOneoff    = "oneoff"
	CronTypeRecurring = "recurring"
	CronTypeHourly    = "hourly"
)

// Method tags recorded on audit entries. CRM-bound worker entries carry a CRM
// method; scheduler-produced rows carry a cron method. The salesforce-scoped
// audit view filters on these two sets.
var (
	CRMMethods  = []string{"SALESFORCE", "DIRECT_API"}
	CronMethods = []string{"CRON", "SCHEDULER"}
)

// CronTypes lists every scheduler-driven job type.
var CronTypes = []string{CronTypePledge, CronTypeOneoff, CronTypeRecurring, CronTypeHourly}

// CRMBoundCronType reports whether a cron type produces salesforce-bound work
// whose CRON_JOB audit rows are handed off to the external CRM consumer.
func CRMBoundCronType(t string) bool {
	return t == CronTypePledge || t == CronTypeOneoff
}

// AuditEntry is one append-only record of an API, job, or scheduler event.
// Entries are immutable except for the single is_delivered false→true flip.
type AuditEntry struct {
	ID            string          `json:"id"`
	UserID        *string         `json:"user_id,omitempty"`
	APIKeyID      *string         `json:"api_key_id,omitempty"`
	Action        string          `json:"action"`
	Method        string          `json:"method"`
	Endpoint      string          `json:"endpoint"`
	Type          string          `json:"type,omitempty"`
	ReferenceID   string          `json:"reference_id,omitempty"`
	ExternalID    string          `json:"external_id,omitempty"`
	StatusCode    int             `json:"status_code"`
	StatusMessage *string         `json:"status_message,omitempty"`
	RequestData   json.RawMessage `json:"request_data,omitempty"`
	ResponseData  json.RawMessage `json:"response_data,omitempty"`
	IPAddress     string          `json:"ip_address,omitempty"`
	UserAgent     string          `json:"user_agent,omitempty"`
	DurationMS    int64           `json:"duration_ms"`
	IsDelivered   bool            `json:"is_delivered"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ColumnFilterOp enumerates the per-field filter operators.
type ColumnFilterOp string

const (
	OpEquals     ColumnFilterOp = "equals"
	OpContains   ColumnFilterOp = "contains"
	OpStartsWith ColumnFilterOp = "startsWith"
	OpEndsWith   ColumnFilterOp = "endsWith"
	OpIn         ColumnFilterOp = "in"
	OpNotIn      ColumnFilterOp = "notIn"
	OpRange      ColumnFilterOp = "range"
	OpGT         ColumnFilterOp = "gt"
	OpGTE        ColumnFilterOp = "gte"
	OpLT         ColumnFilterOp = "lt"
	OpLTE        ColumnFilterOp = "lte"
)

// ColumnFilter applies one operator to one column. Multiple filters on the
// same field OR together; distinct fields AND together.
type ColumnFilter struct {
	Field  string         `json:"field"`
	Op     ColumnFilterOp `json:"op"`
	Value  string         `json:"value,omitempty"`
	Values []string       `json:"values,omitempty"`
	From   string         `json:"from,omitempty"`
	To     string         `json:"to,omitempty"`
}

// AuditFilter narrows an audit query. Zero values mean "no filter".
type AuditFilter struct {
	UserID        *string
	APIKeyID      *string
	Action        string
	Method        string
	StatusCode    *int
	StartDate     *time.Time
	EndDate       *time.Time
	IsDelivered   *bool
	Search        string
	ColumnFilters []ColumnFilter
	// SalesforceScoped restricts to CRM methods OR CRON_JOB rows with cron
	// methods.
	SalesforceScoped bool
	Page             int
	Limit            int
}

// AuditAggregates are the summary buckets served alongside queries.
type AuditAggregates struct {
	SuccessCount int64            `json:"success_count"`
	ErrorCount   int64            `json:"error_count"`
	TopActions   map[string]int64 `json:"top_actions"`
	TopMethods   map[string]int64 `json:"top_methods"`
	Hourly       map[string]int64 `json:"hourly"`
}

// HandoffFilter selects undelivered CRON_JOB rows for an external consumer.
type HandoffFilter struct {
	Type string
	Max  int
}

// AuditRepository persists and queries audit entries (C6) and owns the
// at-most-once delivery flip (C8).
type AuditRepository interface {
	Append(ctx Context, e AuditEntry) (string, error)
	Query(ctx Context, f AuditFilter) ([]AuditEntry, int64, error)
	Aggregates(ctx Context, f AuditFilter) (AuditAggregates, error)
	// FetchUndelivered returns earliest-first CRON_JOB rows with
	// is_delivered=false and ip_address="system".
	FetchUndelivered(ctx Context, f HandoffFilter) ([]AuditEntry, error)
	// MarkDelivered flips is_delivered false→true for the given ids and
	// returns the number of rows actually updated. The conditional predicate
	// makes concurrent marking at-most-once.
	MarkDelivered(ctx Context, ids []string) (int64, error)
	// Walk visits every entry matching f newest-first in fixed-size batches;
	// export paths use it to bypass the page/limit clamp.
	Walk(ctx Context, f AuditFilter, batch int, fn func(AuditEntry) error) error
}
