// Package postgres provides PostgreSQL database adapters.
//
// It implements the job store and audit log repository interfaces with
// connection pooling and transaction support.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Migrate applies the schema. Statements are idempotent so every process can
// run this at startup.
func Migrate(ctx context.Context, pool PgxPool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			idempotency_key TEXT PRIMARY KEY,
			payload JSONB,
			status TEXT NOT NULL DEFAULT 'queued',
			attempts INT NOT NULL DEFAULT 0,
			crm_response JSONB,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			api_key_id TEXT,
			action TEXT NOT NULL,
			method TEXT NOT NULL DEFAULT '',
			endpoint TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			reference_id TEXT NOT NULL DEFAULT '',
			external_id TEXT NOT NULL DEFAULT '',
			status_code INT NOT NULL DEFAULT 0,
			status_message TEXT,
			request_data JSONB,
			response_data JSONB,
			ip_address TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			is_delivered BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs (created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_handoff ON audit_logs (created_at)
			WHERE action = 'CRON_JOB' AND is_delivered = FALSE`,
		`CREATE TABLE IF NOT EXISTS error_logs (
			id BIGSERIAL PRIMARY KEY,
			message TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			environment TEXT NOT NULL DEFAULT '',
			stack TEXT,
			status_code INT NOT NULL DEFAULT 0,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("op=postgres.migrate: %w", err)
		}
	}
	return nil
}
