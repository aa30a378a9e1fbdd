package sqlserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/compozy/mssql-mcp/engine/connection"
	"github.com/compozy/mssql-mcp/engine/query"
	"github.com/compozy/mssql-mcp/pkg/logger"
	"github.com/golang-sql/sqlexp"
	"github.com/shopspring/decimal"
)

var errPoolClosed = errors.New("sqlserver: pool is closed")

// Pool wraps a *sql.DB. It implements connection.Pool and reports itself
// disconnected after a connection-level failure until a ping succeeds.
type Pool struct {
	db       *sql.DB
	messages bool
	healthy  atomic.Bool
	closed   atomic.Bool
	onClose  func()
}

// newPool wraps db. When messages is set, round trips read the driver's
// message stream to pick up rows-affected counts.
func newPool(db *sql.DB, messages bool) *Pool {
	p := &Pool{db: db, messages: messages}
	p.healthy.Store(true)
	return p
}

func (p *Pool) Query(ctx context.Context, text string, args ...any) (*connection.ResultSet, error) {
	return p.roundTrip(ctx, text, args)
}

// ExecProc calls a stored procedure. go-mssqldb sends a query text made of a
// single identifier as an RPC call, so name must not contain whitespace.
func (p *Pool) ExecProc(ctx context.Context, name string, args ...any) (*connection.ResultSet, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return nil, fmt.Errorf("invalid stored procedure name %q", name)
	}
	return p.roundTrip(ctx, name, args)
}

func (p *Pool) Ping(ctx context.Context) error {
	if p.closed.Load() {
		return errPoolClosed
	}
	if err := p.db.PingContext(ctx); err != nil {
		p.observe(err)
		return fmt.Errorf("sqlserver: ping: %w", err)
	}
	p.healthy.Store(true)
	return nil
}

func (p *Pool) Connected() bool {
	return !p.closed.Load() && p.healthy.Load()
}

func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.onClose != nil {
		p.onClose()
	}
	return p.db.Close()
}

func (p *Pool) roundTrip(ctx context.Context, text string, args []any) (*connection.ResultSet, error) {
	if p.closed.Load() {
		return nil, errPoolClosed
	}
	var (
		rs  *connection.ResultSet
		err error
	)
	if p.messages {
		rs, err = p.queryWithMessages(ctx, text, args)
	} else {
		rs, err = p.queryPlain(ctx, text, args)
	}
	if err != nil {
		p.observe(err)
		return nil, err
	}
	return rs, nil
}

// observe marks the pool unhealthy when err means the connection is gone.
func (p *Pool) observe(err error) {
	if query.Classify(err).ConnectionLevel() {
		p.healthy.Store(false)
	}
}

func (p *Pool) queryPlain(ctx context.Context, text string, args []any) (*connection.ResultSet, error) {
	rows, err := p.db.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	rs := &connection.ResultSet{}
	if err := scanResultSet(rows, rs); err != nil {
		return nil, err
	}
	for rows.NextResultSet() {
		drain(rows)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rs.RowsAffected = int64(len(rs.Rows))
	return rs, nil
}

// queryWithMessages keeps the first result set and the first rows-affected
// count, draining everything else.
func (p *Pool) queryWithMessages(ctx context.Context, text string, args []any) (*connection.ResultSet, error) {
	retmsg := &sqlexp.ReturnMessage{}
	rows, err := p.db.QueryContext(ctx, text, append(args, retmsg)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	log := logger.FromContext(ctx)
	rs := &connection.ResultSet{}
	var (
		firstErr     error
		haveSet      bool
		haveAffected bool
	)
	for active := true; active; {
		switch m := retmsg.Message(ctx).(type) {
		case sqlexp.MsgNotice:
			log.Debug("SQL Server notice", "message", fmt.Sprint(m.Message))
		case sqlexp.MsgNext:
			if haveSet {
				drain(rows)
				continue
			}
			haveSet = true
			if err := scanResultSet(rows, rs); err != nil && firstErr == nil {
				firstErr = err
			}
		case sqlexp.MsgRowsAffected:
			if !haveAffected {
				rs.RowsAffected = m.Count
				haveAffected = true
			}
		case sqlexp.MsgError:
			if firstErr == nil {
				firstErr = m.Error
			}
		case sqlexp.MsgNextResultSet:
			active = rows.NextResultSet()
		case nil:
			active = false
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !haveAffected {
		rs.RowsAffected = int64(len(rs.Rows))
	}
	return rs, nil
}

func scanResultSet(rows *sql.Rows, rs *connection.ResultSet) error {
	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("failed to read columns: %w", err)
	}
	numeric := numericColumns(rows, len(columns))
	rs.Columns = columns
	for rows.Next() {
		values := make([]any, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			if numeric[i] {
				values[i] = normalizeDecimal(v)
				continue
			}
			values[i] = normalizeValue(v)
		}
		rs.Rows = append(rs.Rows, connection.NewRow(columns, values))
	}
	return rows.Err()
}

// numericColumns flags the exact numeric columns (DECIMAL, NUMERIC, MONEY,
// SMALLMONEY) that the driver returns as text.
func numericColumns(rows *sql.Rows, n int) []bool {
	flags := make([]bool, n)
	types, err := rows.ColumnTypes()
	if err != nil {
		return flags
	}
	for i, ct := range types {
		if i >= n {
			break
		}
		switch strings.ToUpper(ct.DatabaseTypeName()) {
		case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
			flags[i] = true
		}
	}
	return flags
}

// normalizeDecimal renders an exact numeric as a JSON number without going
// through float64.
func normalizeDecimal(v any) any {
	var text string
	switch t := v.(type) {
	case []byte:
		text = string(t)
	case string:
		text = t
	default:
		return normalizeValue(v)
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return text
	}
	return json.Number(d.String())
}

// drain discards the remaining rows of the current result set.
func drain(rows *sql.Rows) {
	for rows.Next() {
		continue
	}
}

// normalizeValue turns textual byte slices, such as DECIMAL and MONEY values,
// into strings. Binary data stays []byte.
func normalizeValue(v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if utf8.Valid(b) {
		return string(b)
	}
	return append([]byte(nil), b...)
}
