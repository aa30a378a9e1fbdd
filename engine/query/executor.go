package query

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/compozy/mssql-mcp/engine/connection"
	"github.com/compozy/mssql-mcp/pkg/logger"
)

const (
	DefaultSchema = "dbo"

	opQuery       = "execute_query"
	opProcedure   = "execute_stored_procedure"
	opTables      = "get_tables"
	opTableSchema = "get_table_schema"
)

var (
	tableColumns  = []string{"TABLE_SCHEMA", "TABLE_NAME", "TABLE_TYPE"}
	schemaColumns = []string{
		"COLUMN_NAME",
		"DATA_TYPE",
		"IS_NULLABLE",
		"COLUMN_DEFAULT",
		"CHARACTER_MAXIMUM_LENGTH",
		"NUMERIC_PRECISION",
		"NUMERIC_SCALE",
		"ORDINAL_POSITION",
	}
)

// ConnectionProvider hands out the current pool, reconnecting when needed.
type ConnectionProvider interface {
	GetConnection(ctx context.Context) (connection.Pool, error)
}

// Metrics receives retry and duration observations.
type Metrics interface {
	RecordRetry(ctx context.Context, operation string, kind FailureKind)
	RecordOperation(ctx context.Context, operation string, duration time.Duration, err error)
}

type noopMetrics struct{}

func (noopMetrics) RecordRetry(context.Context, string, FailureKind) {}

func (noopMetrics) RecordOperation(context.Context, string, time.Duration, error) {}

type Option func(*Executor)

// WithMaxRetries sets the total number of attempts per operation.
func WithMaxRetries(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// WithRetryDelay sets the base of the linear backoff.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.retryDelay = d
		}
	}
}

// WithQueryTimeout bounds each attempt. Zero disables the bound.
func WithQueryTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.queryTimeout = d
		}
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(e *Executor) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

// Executor runs queries and catalog lookups against the pool handed out by a
// ConnectionProvider. It never caches a pool across attempts.
type Executor struct {
	provider     ConnectionProvider
	metrics      Metrics
	maxRetries   int
	retryDelay   time.Duration
	queryTimeout time.Duration
}

func NewExecutor(provider ConnectionProvider, opts ...Option) *Executor {
	e := &Executor{
		provider:   provider,
		metrics:    noopMetrics{},
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteQuery sends text verbatim with params bound by name.
func (e *Executor) ExecuteQuery(ctx context.Context, text string, params map[string]any) (string, error) {
	args := namedArgs(params)
	rs, err := e.execute(ctx, opQuery, LabelQuery, queryCall(text, args))
	if err != nil {
		return "", err
	}
	return render(newQueryPayload(rs, ""))
}

// ExecuteStoredProcedure invokes the named procedure with params bound by name.
func (e *Executor) ExecuteStoredProcedure(ctx context.Context, name string, params map[string]any) (string, error) {
	args := namedArgs(params)
	call := func(ctx context.Context, pool connection.Pool) (*connection.ResultSet, error) {
		return pool.ExecProc(ctx, name, args...)
	}
	rs, err := e.execute(ctx, opProcedure, LabelProcedure, call)
	if err != nil {
		return "", err
	}
	return render(newQueryPayload(rs, name))
}

// GetTables lists the tables and views of a schema, ordered by name.
func (e *Executor) GetTables(ctx context.Context, schema string) (string, error) {
	schema = schemaOrDefault(schema)
	text, args, err := squirrel.Select(tableColumns...).
		From("INFORMATION_SCHEMA.TABLES").
		Where(squirrel.Eq{"TABLE_SCHEMA": schema}).
		OrderBy("TABLE_NAME").
		PlaceholderFormat(squirrel.AtP).
		ToSql()
	if err != nil {
		return "", &ExecutionError{Label: LabelTables, Kind: FailureOther, Err: err}
	}
	rs, err := e.execute(ctx, opTables, LabelTables, queryCall(text, args))
	if err != nil {
		return "", err
	}
	return render(tablesPayload{Success: true, Schema: schema, Tables: rowsOrEmpty(rs)})
}

// GetTableSchema describes the columns of a table in ordinal order.
func (e *Executor) GetTableSchema(ctx context.Context, table, schema string) (string, error) {
	schema = schemaOrDefault(schema)
	text, args, err := squirrel.Select(schemaColumns...).
		From("INFORMATION_SCHEMA.COLUMNS").
		Where(squirrel.Eq{"TABLE_SCHEMA": schema}).
		Where(squirrel.Eq{"TABLE_NAME": table}).
		OrderBy("ORDINAL_POSITION").
		PlaceholderFormat(squirrel.AtP).
		ToSql()
	if err != nil {
		return "", &ExecutionError{Label: LabelTableSchema, Kind: FailureOther, Err: err}
	}
	rs, err := e.execute(ctx, opTableSchema, LabelTableSchema, queryCall(text, args))
	if err != nil {
		return "", err
	}
	return render(tableSchemaPayload{
		Success:   true,
		Schema:    schema,
		TableName: table,
		Columns:   rowsOrEmpty(rs),
	})
}

type poolCall func(ctx context.Context, pool connection.Pool) (*connection.ResultSet, error)

func queryCall(text string, args []any) poolCall {
	return func(ctx context.Context, pool connection.Pool) (*connection.ResultSet, error) {
		return pool.Query(ctx, text, args...)
	}
}

// execute obtains a pool and runs call under the retry policy. Every attempt
// asks the provider for the pool again so a reconnect is picked up.
func (e *Executor) execute(ctx context.Context, operation, label string, call poolCall) (*connection.ResultSet, error) {
	start := time.Now()
	var rs *connection.ResultSet
	attempts, kind, err := e.runWithRetry(ctx, operation, label, func(ctx context.Context) error {
		pool, err := e.provider.GetConnection(ctx)
		if err != nil {
			return err
		}
		if e.queryTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.queryTimeout)
			defer cancel()
		}
		result, err := call(ctx, pool)
		if err != nil {
			return err
		}
		if result == nil {
			result = &connection.ResultSet{}
		}
		rs = result
		return nil
	})
	e.metrics.RecordOperation(ctx, operation, time.Since(start), err)
	if err != nil {
		if kind == FailureNone {
			kind = Classify(err)
		}
		logger.FromContext(ctx).Error(label, "operation", operation, "attempts", attempts, "error", err)
		return nil, &ExecutionError{Label: label, Attempts: attempts, Kind: kind, Err: err}
	}
	return rs, nil
}

// namedArgs binds params as named arguments in key order. A leading @ in a
// key is accepted and stripped.
func namedArgs(params map[string]any) []any {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		args = append(args, sql.Named(strings.TrimPrefix(key, "@"), params[key]))
	}
	return args
}

func schemaOrDefault(schema string) string {
	if s := strings.TrimSpace(schema); s != "" {
		return s
	}
	return DefaultSchema
}
