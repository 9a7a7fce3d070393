package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrDuplicateKey    = errors.New("duplicate key")
	ErrConflict        = errors.New("conflict")
	ErrQueuePaused     = errors.New("queue paused")
	ErrRateLimited     = errors.New("rate limited")
	ErrInternal        = errors.New("internal error")
)

// JobStatus is the persisted lifecycle state of a scheduled job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// CanTransition reports whether moving a job from one status to another is a
// valid step in the lifecycle graph. Backwards transitions are rejected; a
// failed job may re-enter processing on retry.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobQueued:
		return to == JobProcessing
	case JobProcessing:
		return to == JobCompleted || to == JobFailed
	case JobFailed:
		return to == JobProcessing
	default:
		return false
	}
}

// Job is the durable record of one scheduled job attempt, keyed by its
// idempotency key. Rows are created by the scheduler and mutated only through
// the batched audit writer.
type Job struct {
	IdempotencyKey string
	Payload        json.RawMessage
	Status         JobStatus
	Attempts       int
	CRMResponse    json.RawMessage
	ErrorMessage   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JobUpdate is one coalesced status mutation flowing through the batched
// audit writer. Attempts are incremented, not set.
type JobUpdate struct {
	IdempotencyKey string
	Status         JobStatus
	CRMResponse    json.RawMessage
	ErrorMessage   *string
	ProcessingMS   int64
}

// JobRepository persists jobs (C1).
type JobRepository interface {
	Create(ctx Context, j Job) error
	Get(ctx Context, idempotencyKey string) (Job, error)
	// ApplyBatch applies all updates in one transaction; partial application
	// never happens. A missing key is a logged no-op, not an error.
	ApplyBatch(ctx Context, updates []JobUpdate) error
	ListRecent(ctx Context, limit int) ([]Job, error)
}

// ItemState enumerates broker-side states of a queued item.
type ItemState string

const (
	ItemWaiting   ItemState = "waiting"
	ItemActive    ItemState = "active"
	ItemCompleted ItemState = "completed"
	ItemFailed    ItemState = "failed"
	ItemDelayed   ItemState = "delayed"
	ItemPaused    ItemState = "paused"
)

// BackoffKind selects how retry delays grow.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// Backoff describes the per-item retry delay policy.
type Backoff struct {
	Kind BackoffKind
	Base time.Duration
}

// Delay returns the delay before retry n (0-based).
func (b Backoff) Delay(n int) time.Duration {
	if b.Kind == BackoffFixed {
		return b.Base
	}
	return b.Base * (1 << n)
}

// QueuedItem is the ephemeral broker record. The payload carries the job's
// idempotency key for correlation with the job store.
type QueuedItem struct {
	ID           string
	Name         string
	Payload      json.RawMessage
	AttemptsMade int
	MaxAttempts  int
	Backoff      Backoff
	Priority     int
	DelayUntil   time.Time
	State        ItemState
	EnqueuedAt   time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
	FailedReason string
	StalledCount int
	ReturnValue  json.RawMessage
}

// QueueCounts is a per-state item count snapshot.
type QueueCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    int64 `json:"paused"`
}

// EnqueueOptions tune a single enqueue; zero values fall back to the queue
// defaults.
type EnqueueOptions struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Backoff     *Backoff
}

// Broker is the named-queue adapter port (C2).
type Broker interface {
	Enqueue(ctx Context, queue, name string, payload json.RawMessage, opts EnqueueOptions) (string, error)
	Reserve(ctx Context, queue, workerID string, lease time.Duration) (*QueuedItem, error)
	Complete(ctx Context, queue, id string, returnValue json.RawMessage) error
	Fail(ctx Context, queue, id, reason string) error
	// Discard terminally fails an active item regardless of remaining
	// attempts; handlers use it for permanent error categories.
	Discard(ctx Context, queue, id, reason string) error
	Pause(ctx Context, queue string) error
	Resume(ctx Context, queue string) error
	Obliterate(ctx Context, queue string) error
	Counts(ctx Context, queue string) (QueueCounts, error)
	List(ctx Context, queue string, state ItemState, offset, limit int) ([]QueuedItem, error)
	Get(ctx Context, queue, id string) (QueuedItem, error)
	Retry(ctx Context, queue, id string) error
	Remove(ctx Context, queue, id string) error
	RecoverStalled(ctx Context, queue string) (int, error)
}

// UpdateSink accepts job-status mutations for the batched writer. Submit
// never blocks the caller beyond buffer admission.
type UpdateSink interface {
	Submit(u JobUpdate)
}

// SalesforceTaskPayload is the handler input for the salesforce queue.
type SalesforceTaskPayload struct {
	Endpoint       string          `json:"endpoint"`
	Payload        json.RawMessage `json:"payload"`
	Token          string          `json:"token"`
	Type           string          `json:"type"`
	ClientID       string          `json:"client_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	UserID         *string         `json:"user_id,omitempty"`
	APIKeyID       *string         `json:"api_key_id,omitempty"`
}

// Context is an alias so the domain stays decoupled from call sites; adapters
// and usecases pass context.Context through.
type Context = context.Context
