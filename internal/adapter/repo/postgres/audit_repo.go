package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/givehub/crm-relay/internal/domain"
)

// AuditRepo persists the append-only audit log. Rows never change after
// insert except for the single is_delivered false→true flip owned by
// MarkDelivered.
type AuditRepo struct{ Pool PgxPool }

// NewAuditRepo constructs an AuditRepo with the given pool.
func NewAuditRepo(p PgxPool) *AuditRepo { return &AuditRepo{Pool: p} }

const auditColumns = `id, user_id, api_key_id, action, method, endpoint, type, reference_id, external_id, status_code, status_message, request_data, response_data, ip_address, user_agent, duration_ms, is_delivered, created_at`

// filterableColumns whitelists the fields a column filter may touch; anything
// else is rejected as an invalid argument before SQL assembly.
var filterableColumns = map[string]string{
	"id":             "id",
	"user_id":        "user_id",
	"api_key_id":     "api_key_id",
	"action":         "action",
	"method":         "method",
	"endpoint":       "endpoint",
	"type":           "type",
	"reference_id":   "reference_id",
	"external_id":    "external_id",
	"status_code":    "status_code",
	"status_message": "status_message",
	"ip_address":     "ip_address",
	"user_agent":     "user_agent",
	"duration_ms":    "duration_ms",
	"is_delivered":   "is_delivered",
	"created_at":     "created_at",
}

// searchColumns are OR-ed together for the free-text filter.
var searchColumns = []string{"action", "endpoint", "ip_address", "type", "reference_id", "external_id", "status_message"}

// Append inserts one entry, generating a ULID when the caller does not supply
// an id, and returns the id.
func (r *AuditRepo) Append(ctx domain.Context, e domain.AuditEntry) (string, error) {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "audit_logs"),
	)
	id := e.ID
	if id == "" {
		id = ulid.Make().String()
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	q := `INSERT INTO audit_logs (` + auditColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`
	_, err := r.Pool.Exec(ctx, q,
		id, e.UserID, e.APIKeyID, e.Action, e.Method, e.Endpoint, e.Type,
		e.ReferenceID, e.ExternalID, e.StatusCode, e.StatusMessage,
		e.RequestData, e.ResponseData, e.IPAddress, e.UserAgent,
		e.DurationMS, e.IsDelivered, createdAt)
	if err != nil {
		return "", fmt.Errorf("op=audit.append: %w", err)
	}
	return id, nil
}

// whereBuilder assembles a parameterised WHERE clause incrementally.
type whereBuilder struct {
	conds []string
	args  []any
}

func (w *whereBuilder) add(cond string, args ...any) {
	// Rewrite ?-placeholders into the next positional parameters.
	for range args {
		cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(w.args)+1), 1)
		w.args = append(w.args, nil)
	}
	base := len(w.args) - len(args)
	for i, a := range args {
		w.args[base+i] = a
	}
	w.conds = append(w.conds, cond)
}

func (w *whereBuilder) clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func buildAuditWhere(f domain.AuditFilter) (*whereBuilder, error) {
	w := &whereBuilder{}
	if f.UserID != nil {
		w.add("user_id = ?", *f.UserID)
	}
	if f.APIKeyID != nil {
		w.add("api_key_id = ?", *f.APIKeyID)
	}
	if f.Action != "" {
		w.add("action = ?", f.Action)
	}
	if f.Method != "" {
		w.add("method = ?", f.Method)
	}
	if f.StatusCode != nil {
		w.add("status_code = ?", *f.StatusCode)
	}
	if f.StartDate != nil {
		w.add("created_at >= ?", *f.StartDate)
	}
	if f.EndDate != nil {
		w.add("created_at <= ?", *f.EndDate)
	}
	if f.IsDelivered != nil {
		w.add("is_delivered = ?", *f.IsDelivered)
	}
	if f.Search != "" {
		parts := make([]string, 0, len(searchColumns))
		args := make([]any, 0, len(searchColumns))
		for _, col := range searchColumns {
			parts = append(parts, col+"::text ILIKE ?")
			args = append(args, "%"+f.Search+"%")
		}
		w.add("("+strings.Join(parts, " OR ")+")", args...)
	}
	if f.SalesforceScoped {
		w.add("(method = ANY(?) OR (action = 'CRON_JOB' AND method = ANY(?)))",
			domain.CRMMethods, domain.CronMethods)
	}
	// Filters on the same field OR together, distinct fields AND together.
	byField := map[string][]domain.ColumnFilter{}
	order := []string{}
	for _, cf := range f.ColumnFilters {
		if _, ok := filterableColumns[cf.Field]; !ok {
			return nil, fmt.Errorf("op=audit.query: field %q: %w", cf.Field, domain.ErrInvalidArgument)
		}
		if _, seen := byField[cf.Field]; !seen {
			order = append(order, cf.Field)
		}
		byField[cf.Field] = append(byField[cf.Field], cf)
	}
	for _, field := range order {
		col := filterableColumns[field]
		var parts []string
		var args []any
		for _, cf := range byField[field] {
			cond, condArgs, err := columnFilterCond(col, cf)
			if err != nil {
				return nil, err
			}
			parts = append(parts, cond)
			args = append(args, condArgs...)
		}
		w.add("("+strings.Join(parts, " OR ")+")", args...)
	}
	return w, nil
}

func columnFilterCond(col string, cf domain.ColumnFilter) (string, []any, error) {
	switch cf.Op {
	case domain.OpEquals:
		return col + "::text = ?", []any{cf.Value}, nil
	case domain.OpContains:
		return col + "::text ILIKE ?", []any{"%" + cf.Value + "%"}, nil
	case domain.OpStartsWith:
		return col + "::text ILIKE ?", []any{cf.Value + "%"}, nil
	case domain.OpEndsWith:
		return col + "::text ILIKE ?", []any{"%" + cf.Value}, nil
	case domain.OpIn:
		return col + "::text = ANY(?)", []any{cf.Values}, nil
	case domain.OpNotIn:
		return "NOT (" + col + "::text = ANY(?))", []any{cf.Values}, nil
	case domain.OpRange:
		return col + " BETWEEN ? AND ?", []any{cf.From, cf.To}, nil
	case domain.OpGT:
		return col + " > ?", []any{cf.Value}, nil
	case domain.OpGTE:
		return col + " >= ?", []any{cf.Value}, nil
	case domain.OpLT:
		return col + " < ?", []any{cf.Value}, nil
	case domain.OpLTE:
		return col + " <= ?", []any{cf.Value}, nil
	default:
		return "", nil, fmt.Errorf("op=audit.query: operator %q: %w", cf.Op, domain.ErrInvalidArgument)
	}
}

// Query returns one page of matching entries, newest first, plus the total
// match count.
func (r *AuditRepo) Query(ctx domain.Context, f domain.AuditFilter) ([]domain.AuditEntry, int64, error) {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.Query")
	defer span.End()

	w, err := buildAuditWhere(f)
	if err != nil {
		return nil, 0, err
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	limit := f.Limit
	if limit < 1 || limit > 100 {
		limit = 50
	}
	offset := (page - 1) * limit

	q := `SELECT ` + auditColumns + `, COUNT(*) OVER() AS total FROM audit_logs` +
		w.clause() +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(w.args)+1, len(w.args)+2)
	args := append(w.args, limit, offset)

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("op=audit.query: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	var total int64
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.APIKeyID, &e.Action, &e.Method,
			&e.Endpoint, &e.Type, &e.ReferenceID, &e.ExternalID, &e.StatusCode,
			&e.StatusMessage, &e.RequestData, &e.ResponseData, &e.IPAddress,
			&e.UserAgent, &e.DurationMS, &e.IsDelivered, &e.CreatedAt, &total); err != nil {
			return nil, 0, fmt.Errorf("op=audit.query: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=audit.query: %w", err)
	}
	return out, total, nil
}

// Aggregates computes the status-class counts, top-10 action/method buckets,
// and the hourly histogram over the last 24 hours, all under the same filter.
func (r *AuditRepo) Aggregates(ctx domain.Context, f domain.AuditFilter) (domain.AuditAggregates, error) {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.Aggregates")
	defer span.End()

	w, err := buildAuditWhere(f)
	if err != nil {
		return domain.AuditAggregates{}, err
	}
	agg := domain.AuditAggregates{
		TopActions: map[string]int64{},
		TopMethods: map[string]int64{},
		Hourly:     map[string]int64{},
	}

	q := `SELECT
		COUNT(*) FILTER (WHERE status_code BETWEEN 200 AND 299),
		COUNT(*) FILTER (WHERE status_code >= 400)
		FROM audit_logs` + w.clause()
	if err := r.Pool.QueryRow(ctx, q, w.args...).Scan(&agg.SuccessCount, &agg.ErrorCount); err != nil {
		return domain.AuditAggregates{}, fmt.Errorf("op=audit.aggregates: %w", err)
	}

	for _, bucket := range []struct {
		col  string
		into map[string]int64
	}{
		{"action", agg.TopActions},
		{"method", agg.TopMethods},
	} {
		q := `SELECT ` + bucket.col + `, COUNT(*) FROM audit_logs` + w.clause() +
			` GROUP BY ` + bucket.col + ` ORDER BY COUNT(*) DESC LIMIT 10`
		rows, err := r.Pool.Query(ctx, q, w.args...)
		if err != nil {
			return domain.AuditAggregates{}, fmt.Errorf("op=audit.aggregates: %w", err)
		}
		for rows.Next() {
			var key string
			var n int64
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return domain.AuditAggregates{}, fmt.Errorf("op=audit.aggregates: %w", err)
			}
			bucket.into[key] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return domain.AuditAggregates{}, fmt.Errorf("op=audit.aggregates: %w", err)
		}
	}

	hw := *w
	hw.conds = append([]string{}, w.conds...)
	hw.args = append([]any{}, w.args...)
	hw.add("created_at >= ?", time.Now().UTC().Add(-24*time.Hour))
	q = `SELECT to_char(date_trunc('hour', created_at), 'YYYY-MM-DD"T"HH24:00'), COUNT(*)
		FROM audit_logs` + hw.clause() + ` GROUP BY 1 ORDER BY 1`
	rows, err := r.Pool.Query(ctx, q, hw.args...)
	if err != nil {
		return domain.AuditAggregates{}, fmt.Errorf("op=audit.aggregates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var hour string
		var n int64
		if err := rows.Scan(&hour, &n); err != nil {
			return domain.AuditAggregates{}, fmt.Errorf("op=audit.aggregates: %w", err)
		}
		agg.Hourly[hour] = n
	}
	if err := rows.Err(); err != nil {
		return domain.AuditAggregates{}, fmt.Errorf("op=audit.aggregates: %w", err)
	}
	return agg, nil
}

// FetchUndelivered returns earliest-first CRON_JOB rows still awaiting
// delivery, produced by the scheduler (ip_address = "system").
func (r *AuditRepo) FetchUndelivered(ctx domain.Context, f domain.HandoffFilter) ([]domain.AuditEntry, error) {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.FetchUndelivered")
	defer span.End()

	max := f.Max
	if max <= 0 {
		max = 1000
	}
	if max > 10000 {
		max = 10000
	}
	w := &whereBuilder{}
	w.add("action = ?", domain.ActionCronJob)
	w.add("is_delivered = FALSE")
	w.add("ip_address = 'system'")
	if f.Type != "" {
		w.add("type = ?", f.Type)
	}
	q := `SELECT ` + auditColumns + ` FROM audit_logs` + w.clause() +
		fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d", len(w.args)+1)
	args := append(w.args, max)

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=audit.fetch_undelivered: %w", err)
	}
	defer rows.Close()
	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.APIKeyID, &e.Action, &e.Method,
			&e.Endpoint, &e.Type, &e.ReferenceID, &e.ExternalID, &e.StatusCode,
			&e.StatusMessage, &e.RequestData, &e.ResponseData, &e.IPAddress,
			&e.UserAgent, &e.DurationMS, &e.IsDelivered, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=audit.fetch_undelivered: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=audit.fetch_undelivered: %w", err)
	}
	return out, nil
}

// Walk visits every entry matching f newest-first in fixed-size batches.
// Exports use it to page through the full match set without the Query clamp.
func (r *AuditRepo) Walk(ctx domain.Context, f domain.AuditFilter, batch int, fn func(domain.AuditEntry) error) error {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.Walk")
	defer span.End()

	if batch <= 0 {
		batch = 5000
	}
	w, err := buildAuditWhere(f)
	if err != nil {
		return err
	}
	q := `SELECT ` + auditColumns + ` FROM audit_logs` + w.clause() +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(w.args)+1, len(w.args)+2)

	for offset := 0; ; offset += batch {
		args := append(append([]any{}, w.args...), batch, offset)
		rows, err := r.Pool.Query(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("op=audit.walk: %w", err)
		}
		n := 0
		for rows.Next() {
			var e domain.AuditEntry
			if err := rows.Scan(&e.ID, &e.UserID, &e.APIKeyID, &e.Action, &e.Method,
				&e.Endpoint, &e.Type, &e.ReferenceID, &e.ExternalID, &e.StatusCode,
				&e.StatusMessage, &e.RequestData, &e.ResponseData, &e.IPAddress,
				&e.UserAgent, &e.DurationMS, &e.IsDelivered, &e.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("op=audit.walk: %w", err)
			}
			if err := fn(e); err != nil {
				rows.Close()
				return err
			}
			n++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("op=audit.walk: %w", err)
		}
		if n < batch {
			return nil
		}
	}
}

// MarkDelivered flips is_delivered false→true for the given ids and returns
// the number of rows actually updated. The is_delivered predicate makes
// concurrent marking at-most-once: a row already flipped matches nothing for
// the second caller.
func (r *AuditRepo) MarkDelivered(ctx domain.Context, ids []string) (int64, error) {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.MarkDelivered")
	defer span.End()
	span.SetAttributes(attribute.Int("ids.count", len(ids)))

	if len(ids) == 0 {
		return 0, nil
	}
	if len(ids) > 1000 {
		return 0, fmt.Errorf("op=audit.mark_delivered: %d ids exceeds 1000: %w", len(ids), domain.ErrInvalidArgument)
	}
	q := `UPDATE audit_logs SET is_delivered = TRUE WHERE id = ANY($1) AND is_delivered = FALSE`
	tag, err := r.Pool.Exec(ctx, q, ids)
	if err != nil {
		return 0, fmt.Errorf("op=audit.mark_delivered: %w", err)
	}
	return tag.RowsAffected(), nil
}
