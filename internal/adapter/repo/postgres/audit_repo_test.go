package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/givehub/crm-relay/internal/adapter/repo/postgres"
	"github.com/givehub/crm-relay/internal/domain"
)

func TestAuditRepo_AppendGeneratesULID(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewAuditRepo(pool)

	id, err := repo.Append(context.Background(), domain.AuditEntry{
		Action:    domain.ActionCronJob,
		Method:    "CRON",
		Type:      domain.CronTypePledge,
		IPAddress: "system",
	})
	require.NoError(t, err)
	_, parseErr := ulid.Parse(id)
	assert.NoError(t, parseErr)
	require.Len(t, pool.execCalls, 1)
	assert.Contains(t, pool.execCalls[0].sql, "INSERT INTO audit_logs")
}

func TestAuditRepo_AppendKeepsCallerID(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewAuditRepo(pool)

	id, err := repo.Append(context.Background(), domain.AuditEntry{ID: "fixed-id", Action: domain.ActionJobStarted})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", id)
}

func auditRowValues(id string, created time.Time, extra ...any) []any {
	row := []any{
		id, nil, nil, "CRON_JOB", "CRON", "/core/pledge/v2.0/", "pledge",
		"O1", "", 200, nil, nil, nil, "system", "", int64(12), false, created,
	}
	return append(row, extra...)
}

func TestAuditRepo_QueryAppliesFiltersAndPaging(t *testing.T) {
	created := time.Now().UTC()
	pool := &fakePool{
		queryFn: func(string, []any) (pgx.Rows, error) {
			return &fakeRows{rows: [][]any{auditRowValues("01ABC", created, int64(42))}}, nil
		},
	}
	repo := postgres.NewAuditRepo(pool)

	delivered := false
	entries, total, err := repo.Query(context.Background(), domain.AuditFilter{
		Action:      domain.ActionCronJob,
		IsDelivered: &delivered,
		Search:      "pledge",
		Page:        2,
		Limit:       25,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), total)
	require.Len(t, entries, 1)
	assert.Equal(t, "01ABC", entries[0].ID)

	require.Len(t, pool.queryCalls, 1)
	sql := pool.queryCalls[0].sql
	assert.Contains(t, sql, "action = $1")
	assert.Contains(t, sql, "is_delivered = $2")
	assert.Contains(t, sql, "ILIKE")
	assert.Contains(t, sql, "ORDER BY created_at DESC")
	args := pool.queryCalls[0].args
	// limit and offset are the trailing args: page 2 with limit 25 skips 25.
	assert.Equal(t, 25, args[len(args)-2])
	assert.Equal(t, 25, args[len(args)-1])
}

func TestAuditRepo_QueryClampsPaging(t *testing.T) {
	pool := &fakePool{
		queryFn: func(string, []any) (pgx.Rows, error) { return &fakeRows{}, nil },
	}
	repo := postgres.NewAuditRepo(pool)

	_, _, err := repo.Query(context.Background(), domain.AuditFilter{Page: 0, Limit: 9999})
	require.NoError(t, err)
	args := pool.queryCalls[0].args
	assert.Equal(t, 50, args[len(args)-2], "limit above 100 falls back to the default")
	assert.Equal(t, 0, args[len(args)-1], "page below 1 clamps to the first page")
}

func TestAuditRepo_QuerySalesforceScope(t *testing.T) {
	pool := &fakePool{
		queryFn: func(string, []any) (pgx.Rows, error) { return &fakeRows{}, nil },
	}
	repo := postgres.NewAuditRepo(pool)

	_, _, err := repo.Query(context.Background(), domain.AuditFilter{SalesforceScoped: true})
	require.NoError(t, err)
	sql := pool.queryCalls[0].sql
	assert.Contains(t, sql, "action = 'CRON_JOB'")
}

func TestAuditRepo_QueryColumnFilters(t *testing.T) {
	pool := &fakePool{
		queryFn: func(string, []any) (pgx.Rows, error) { return &fakeRows{}, nil },
	}
	repo := postgres.NewAuditRepo(pool)

	// Same-field filters OR, distinct fields AND.
	_, _, err := repo.Query(context.Background(), domain.AuditFilter{
		ColumnFilters: []domain.ColumnFilter{
			{Field: "type", Op: domain.OpEquals, Value: "pledge"},
			{Field: "type", Op: domain.OpEquals, Value: "oneoff"},
			{Field: "status_code", Op: domain.OpGTE, Value: "400"},
		},
	})
	require.NoError(t, err)
	sql := pool.queryCalls[0].sql
	assert.Contains(t, sql, "(type::text = $1 OR type::text = $2)")
	assert.Contains(t, sql, "status_code >= $3")
}

func TestAuditRepo_QueryRejectsUnknownFilterField(t *testing.T) {
	repo := postgres.NewAuditRepo(&fakePool{})

	_, _, err := repo.Query(context.Background(), domain.AuditFilter{
		ColumnFilters: []domain.ColumnFilter{{Field: "payload; DROP TABLE jobs", Op: domain.OpEquals}},
	})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestAuditRepo_FetchUndelivered(t *testing.T) {
	created := time.Now().UTC()
	pool := &fakePool{
		queryFn: func(string, []any) (pgx.Rows, error) {
			return &fakeRows{rows: [][]any{auditRowValues("01ABC", created)}}, nil
		},
	}
	repo := postgres.NewAuditRepo(pool)

	entries, err := repo.FetchUndelivered(context.Background(), domain.HandoffFilter{Type: domain.CronTypePledge, Max: 50000})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	sql := pool.queryCalls[0].sql
	assert.Contains(t, sql, "is_delivered = FALSE")
	assert.Contains(t, sql, "ip_address = 'system'")
	assert.Contains(t, sql, "ORDER BY created_at ASC")
	args := pool.queryCalls[0].args
	assert.Equal(t, 10000, args[len(args)-1], "max is capped at 10000")
}

func TestAuditRepo_FetchUndeliveredDefaultMax(t *testing.T) {
	pool := &fakePool{
		queryFn: func(string, []any) (pgx.Rows, error) { return &fakeRows{}, nil },
	}
	repo := postgres.NewAuditRepo(pool)

	_, err := repo.FetchUndelivered(context.Background(), domain.HandoffFilter{})
	require.NoError(t, err)
	args := pool.queryCalls[0].args
	assert.Equal(t, 1000, args[len(args)-1])
}

func TestAuditRepo_MarkDelivered(t *testing.T) {
	pool := &fakePool{
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 7"), nil
		},
	}
	repo := postgres.NewAuditRepo(pool)

	n, err := repo.MarkDelivered(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Contains(t, pool.execCalls[0].sql, "is_delivered = FALSE")
}

func TestAuditRepo_MarkDeliveredEmpty(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewAuditRepo(pool)

	n, err := repo.MarkDelivered(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pool.execCalls)
}

func TestAuditRepo_MarkDeliveredTooManyIDs(t *testing.T) {
	repo := postgres.NewAuditRepo(&fakePool{})

	ids := make([]string, 1001)
	for i := range ids {
		ids[i] = ulid.Make().String()
	}
	_, err := repo.MarkDelivered(context.Background(), ids)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}
