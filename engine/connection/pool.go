package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Pool is a live handle to a managed set of database connections.
type Pool interface {
	// Query runs text verbatim with the given arguments.
	Query(ctx context.Context, text string, args ...any) (*ResultSet, error)
	// ExecProc invokes a stored procedure by name.
	ExecProc(ctx context.Context, name string, args ...any) (*ResultSet, error)
	Ping(ctx context.Context) error
	// Connected reports whether the pool is open and has not observed a
	// connection-level failure since it last connected.
	Connected() bool
	Close() error
}

// Opener creates and connects a pool for a descriptor.
type Opener interface {
	Open(ctx context.Context, desc Descriptor) (Pool, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, desc Descriptor) (Pool, error)

func (f OpenerFunc) Open(ctx context.Context, desc Descriptor) (Pool, error) {
	return f(ctx, desc)
}

// ResultSet is the first record set of a round trip plus the first
// rows-affected count reported by the server.
type ResultSet struct {
	Columns      []string
	Rows         []Row
	RowsAffected int64
}

// Row is one record. It marshals to a JSON object with keys in column order.
type Row struct {
	columns []string
	values  []any
}

func NewRow(columns []string, values []any) Row {
	return Row{columns: columns, values: values}
}

// Get returns the value of a column and whether it exists.
func (r Row) Get(column string) (any, bool) {
	for i, c := range r.columns {
		if c == column {
			return r.values[i], true
		}
	}
	return nil, false
}

func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, column := range r.columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(column)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(r.values[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", column, err)
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
