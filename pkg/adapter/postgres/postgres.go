// Package postgres provides a pgx-backed execution adapter and connection
// factory for the multiplexer. Each pooled connection wraps one *pgx.Conn;
// operations are translated into parameterized SQL with sanitized
// identifiers, one statement per operation.
package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/stratoslabs/qmux/pkg/mux"
	"github.com/stratoslabs/qmux/pkg/pool"
	"github.com/stratoslabs/qmux/pkg/qerrors"
)

// Conn wraps one physical pgx connection as a pool.Connection.
type Conn struct {
	id   string
	conn *pgx.Conn
}

// ID implements pool.Connection.
func (c *Conn) ID() string { return c.id }

// Close implements pool.Connection.
func (c *Conn) Close(ctx context.Context) error { return c.conn.Close(ctx) }

// Raw exposes the underlying pgx connection for callers that need driver
// features outside the adapter's operation set.
func (c *Conn) Raw() *pgx.Conn { return c.conn }

// NewFactory returns a pool.Factory that opens pgx connections against the
// given connection string.
func NewFactory(connString string) pool.Factory {
	return func(ctx context.Context) (pool.Connection, error) {
		conn, err := pgx.Connect(ctx, connString)
		if err != nil {
			return nil, qerrors.Wrap(err, qerrors.ErrorTypeConnection, "connecting to postgres")
		}
		return &Conn{id: uuid.NewString(), conn: conn}, nil
	}
}

// Adapter implements mux.Adapter against PostgreSQL.
type Adapter struct {
	logger *zap.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter's logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New creates a postgres adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("component", "postgres_adapter"))
	return a
}

// Execute implements mux.Adapter.
func (a *Adapter) Execute(ctx context.Context, conn pool.Connection, op mux.Operation) (mux.Result, error) {
	pc, ok := conn.(*Conn)
	if !ok {
		return nil, qerrors.New(qerrors.ErrorTypeValidation,
			"connection was not opened by the postgres factory")
	}

	switch op.Kind {
	case mux.OpFind:
		return a.find(ctx, pc, op)
	case mux.OpCreate:
		return a.create(ctx, pc, op)
	case mux.OpUpdate:
		return a.update(ctx, pc, op)
	case mux.OpDelete:
		return a.delete(ctx, pc, op)
	case mux.OpCount:
		return a.count(ctx, pc, op)
	case mux.OpAggregate:
		return a.aggregate(ctx, pc, op)
	default:
		return nil, qerrors.Newf(qerrors.ErrorTypeValidation, "unsupported operation kind %s", op.Kind)
	}
}

func (a *Adapter) find(ctx context.Context, pc *Conn, op mux.Operation) (mux.Result, error) {
	where, args := buildWhere(mapParam(op.Params, "filter"), 1)
	sql := fmt.Sprintf("SELECT * FROM %s%s", ident(op.Collection), where)

	rows, err := pc.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToMap)
}

func (a *Adapter) create(ctx context.Context, pc *Conn, op mux.Operation) (mux.Result, error) {
	record := mapParam(op.Params, "record")
	if len(record) == 0 {
		return nil, qerrors.New(qerrors.ErrorTypeValidation, "create requires a non-empty record param")
	}

	sql, args := buildInsert(op.Collection, record)
	tag, err := pc.conn.Exec(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return tag.RowsAffected(), nil
}

func (a *Adapter) update(ctx context.Context, pc *Conn, op mux.Operation) (mux.Result, error) {
	set := mapParam(op.Params, "set")
	if len(set) == 0 {
		return nil, qerrors.New(qerrors.ErrorTypeValidation, "update requires a non-empty set param")
	}

	setCols := sortedKeys(set)
	assignments := make([]string, len(setCols))
	args := make([]interface{}, 0, len(setCols))
	for i, col := range setCols {
		assignments[i] = fmt.Sprintf("%s = $%d", ident(col), i+1)
		args = append(args, set[col])
	}

	where, whereArgs := buildWhere(mapParam(op.Params, "filter"), len(args)+1)
	args = append(args, whereArgs...)

	sql := fmt.Sprintf("UPDATE %s SET %s%s",
		ident(op.Collection), strings.Join(assignments, ", "), where)
	tag, err := pc.conn.Exec(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return tag.RowsAffected(), nil
}

func (a *Adapter) delete(ctx context.Context, pc *Conn, op mux.Operation) (mux.Result, error) {
	where, args := buildWhere(mapParam(op.Params, "filter"), 1)
	sql := fmt.Sprintf("DELETE FROM %s%s", ident(op.Collection), where)

	tag, err := pc.conn.Exec(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return tag.RowsAffected(), nil
}

func (a *Adapter) count(ctx context.Context, pc *Conn, op mux.Operation) (mux.Result, error) {
	where, args := buildWhere(mapParam(op.Params, "filter"), 1)
	sql := fmt.Sprintf("SELECT count(*) FROM %s%s", ident(op.Collection), where)

	var count int64
	if err := pc.conn.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return nil, err
	}
	return count, nil
}

// aggregateFunctions is the closed set of allowed aggregates; the function
// name is interpolated into SQL and must never come from user input
// unchecked.
var aggregateFunctions = map[string]bool{
	"sum": true,
	"avg": true,
	"min": true,
	"max": true,
}

func (a *Adapter) aggregate(ctx context.Context, pc *Conn, op mux.Operation) (mux.Result, error) {
	fn, _ := op.Params["function"].(string)
	column, _ := op.Params["column"].(string)
	if !aggregateFunctions[fn] {
		return nil, qerrors.Newf(qerrors.ErrorTypeValidation, "unsupported aggregate function %q", fn)
	}
	if column == "" {
		return nil, qerrors.New(qerrors.ErrorTypeValidation, "aggregate requires a column param")
	}

	where, args := buildWhere(mapParam(op.Params, "filter"), 1)
	sql := fmt.Sprintf("SELECT %s(%s) FROM %s%s", fn, ident(column), ident(op.Collection), where)

	var value interface{}
	if err := pc.conn.QueryRow(ctx, sql, args...).Scan(&value); err != nil {
		return nil, err
	}
	return value, nil
}

// buildWhere renders an equality WHERE clause over the filter's keys in
// sorted order, starting placeholders at firstArg. An empty filter yields an
// empty clause.
func buildWhere(filter map[string]interface{}, firstArg int) (string, []interface{}) {
	if len(filter) == 0 {
		return "", nil
	}

	keys := sortedKeys(filter)
	conditions := make([]string, len(keys))
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		conditions[i] = fmt.Sprintf("%s = $%d", ident(k), firstArg+i)
		args[i] = filter[k]
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func buildInsert(collection string, record map[string]interface{}) (string, []interface{}) {
	keys := sortedKeys(record)
	cols := make([]string, len(keys))
	placeholders := make([]string, len(keys))
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		cols[i] = ident(k)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = record[k]
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		ident(collection), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	return sql, args
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func mapParam(params map[string]interface{}, key string) map[string]interface{} {
	if params == nil {
		return nil
	}
	m, _ := params[key].(map[string]interface{})
	return m
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
