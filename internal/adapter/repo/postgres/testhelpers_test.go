package postgres_test

import (
	"context"
	"errors"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Hand-rolled pgx fakes. The repos only touch the PgxPool subset plus the Tx
// methods Exec/Commit/Rollback, so everything else panics if reached.

type sqlCall struct {
	sql  string
	args []any
}

type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// scanInto copies vals into scan destinations by reflection; a nil value
// leaves the destination at its zero value.
func scanInto(vals []any) func(dest ...any) error {
	return func(dest ...any) error {
		if len(dest) != len(vals) {
			return errors.New("scan arity mismatch")
		}
		for i, v := range vals {
			if v == nil {
				continue
			}
			reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
		}
		return nil
	}
}

type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}
func (r *fakeRows) Scan(dest ...any) error {
	return scanInto(r.rows[r.idx-1])(dest...)
}
func (r *fakeRows) Values() ([]any, error) { return r.rows[r.idx-1], nil }
func (r *fakeRows) RawValues() [][]byte    { return nil }
func (r *fakeRows) Conn() *pgx.Conn        { return nil }

type fakePool struct {
	execFn     func(sql string, args []any) (pgconn.CommandTag, error)
	queryFn    func(sql string, args []any) (pgx.Rows, error)
	queryRowFn func(sql string, args []any) pgx.Row
	beginFn    func() (pgx.Tx, error)

	execCalls  []sqlCall
	queryCalls []sqlCall
}

func (p *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execCalls = append(p.execCalls, sqlCall{sql: sql, args: args})
	if p.execFn == nil {
		return pgconn.NewCommandTag("OK 1"), nil
	}
	return p.execFn(sql, args)
}

func (p *fakePool) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.queryCalls = append(p.queryCalls, sqlCall{sql: sql, args: args})
	if p.queryFn == nil {
		return &fakeRows{}, nil
	}
	return p.queryFn(sql, args)
}

func (p *fakePool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.queryCalls = append(p.queryCalls, sqlCall{sql: sql, args: args})
	return p.queryRowFn(sql, args)
}

func (p *fakePool) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	if p.beginFn == nil {
		panic("BeginTx not stubbed")
	}
	return p.beginFn()
}

type fakeTx struct {
	execFn     func(sql string, args []any) (pgconn.CommandTag, error)
	execCalls  []sqlCall
	committed  bool
	rolledBack bool
	commitErr  error
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execCalls = append(t.execCalls, sqlCall{sql: sql, args: args})
	if t.execFn == nil {
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return t.execFn(sql, args)
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return t.commitErr
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

func (t *fakeTx) Begin(context.Context) (pgx.Tx, error) { panic("not stubbed") }
func (t *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not stubbed")
}
func (t *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { panic("not stubbed") }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                         { panic("not stubbed") }
func (t *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not stubbed")
}
func (t *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) { panic("not stubbed") }
func (t *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row        { panic("not stubbed") }
func (t *fakeTx) Conn() *pgx.Conn                                         { return nil }
