package postgres

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/givehub/crm-relay/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
// All status mutations funnel through ApplyBatch so transition ordering is
// decided in one place.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const uniqueViolation = "23505"

// Create inserts a new job row keyed by its idempotency key. A key that
// already exists surfaces as domain.ErrDuplicateKey so the scheduler can skip
// without enqueueing.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "jobs"),
	)
	status := j.Status
	if status == "" {
		status = domain.JobQueued
	}
	q := `INSERT INTO jobs (idempotency_key, payload, status, attempts, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6)`
	now := time.Now().UTC()
	_, err := r.Pool.Exec(ctx, q, j.IdempotencyKey, j.Payload, status, j.Attempts, now, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("op=jobs.create: key %s: %w", j.IdempotencyKey, domain.ErrDuplicateKey)
		}
		return fmt.Errorf("op=jobs.create: %w", err)
	}
	return nil
}

// Get loads a job by idempotency key.
func (r *JobRepo) Get(ctx domain.Context, idempotencyKey string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT idempotency_key, payload, status, attempts, crm_response, error_message, created_at, updated_at FROM jobs WHERE idempotency_key=$1`
	row := r.Pool.QueryRow(ctx, q, idempotencyKey)
	var j domain.Job
	if err := row.Scan(&j.IdempotencyKey, &j.Payload, &j.Status, &j.Attempts, &j.CRMResponse, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=jobs.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=jobs.get: %w", err)
	}
	return j, nil
}

// applyBatchUpdate enforces the monotonic transition graph in its predicate:
// an update whose from→to step is not allowed matches zero rows and becomes a
// logged no-op, same as a missing key.
const applyBatchUpdate = `UPDATE jobs SET
	status = $2,
	crm_response = COALESCE($3, crm_response),
	error_message = $4,
	attempts = attempts + 1,
	updated_at = $5
WHERE idempotency_key = $1
  AND ((status = 'queued' AND $2 = 'processing')
    OR (status = 'processing' AND $2 IN ('completed','failed'))
    OR (status = 'failed' AND $2 = 'processing'))`

// ApplyBatch applies every update in a single transaction. Updates that match
// no row (missing key or rejected transition) are logged and skipped; the
// transaction still commits for the rest.
func (r *JobRepo) ApplyBatch(ctx domain.Context, updates []domain.JobUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ApplyBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(updates)))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=jobs.apply_batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	for _, u := range updates {
		tag, err := tx.Exec(ctx, applyBatchUpdate, u.IdempotencyKey, u.Status, u.CRMResponse, u.ErrorMessage, now)
		if err != nil {
			return fmt.Errorf("op=jobs.apply_batch: key %s: %w", u.IdempotencyKey, err)
		}
		if tag.RowsAffected() == 0 {
			slog.Warn("job update skipped",
				slog.String("idempotency_key", u.IdempotencyKey),
				slog.String("status", string(u.Status)))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=jobs.apply_batch: commit: %w", err)
	}
	return nil
}

// ListRecent returns the newest jobs for the admin surface.
func (r *JobRepo) ListRecent(ctx domain.Context, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListRecent")
	defer span.End()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT idempotency_key, payload, status, attempts, crm_response, error_message, created_at, updated_at FROM jobs ORDER BY created_at DESC LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.list_recent: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		var j domain.Job
		if err := rows.Scan(&j.IdempotencyKey, &j.Payload, &j.Status, &j.Attempts, &j.CRMResponse, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=jobs.list_recent: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=jobs.list_recent: %w", err)
	}
	return out, nil
}
