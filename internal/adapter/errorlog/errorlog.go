// Package errorlog records processing failures for later triage. Writes are
// best-effort: a failure to persist never propagates to the worker.
package errorlog

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/givehub/crm-relay/internal/adapter/repo/postgres"
	"github.com/givehub/crm-relay/internal/domain"
)

// Recorder writes structured error records to the log and, when a pool is
// configured, to the error_logs table.
type Recorder struct {
	Pool postgres.PgxPool
	Env  string
}

// New builds a Recorder. pool may be nil, which keeps only the slog record.
func New(pool postgres.PgxPool, env string) *Recorder {
	return &Recorder{Pool: pool, Env: env}
}

const insertErrorSQL = `INSERT INTO error_logs
	(message, type, source, environment, stack, status_code, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// LogError emits the slog record and persists the row when possible.
func (r *Recorder) LogError(ctx context.Context, e domain.ErrorEntry) {
	if e.Environment == "" {
		e.Environment = r.Env
	}
	slog.Error("processing error recorded",
		slog.String("type", e.Type),
		slog.String("source", e.Source),
		slog.String("message", e.Message),
		slog.Int("status_code", e.StatusCode),
		slog.Any("metadata", e.Metadata))

	if r.Pool == nil {
		return
	}
	meta, _ := json.Marshal(e.Metadata)
	if _, err := r.Pool.Exec(ctx, insertErrorSQL,
		e.Message, e.Type, e.Source, e.Environment, e.Stack, e.StatusCode, meta); err != nil {
		slog.Warn("error log insert failed", slog.Any("error", err))
	}
}
