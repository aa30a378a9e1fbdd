package query

import (
	"context"
	"sync"
	"time"

	"github.com/compozy/mssql-mcp/engine/connection"
)

type call struct {
	proc bool
	text string
	args []any
	at   time.Time
}

type step struct {
	rs  *connection.ResultSet
	err error
}

// scriptedPool replays steps in order; the last step repeats.
type scriptedPool struct {
	mu    sync.Mutex
	steps []step
	calls []call
}

func newScriptedPool(steps ...step) *scriptedPool {
	return &scriptedPool{steps: steps}
}

func (p *scriptedPool) next(c call) (*connection.ResultSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.at = time.Now()
	p.calls = append(p.calls, c)
	idx := min(len(p.calls)-1, len(p.steps)-1)
	if idx < 0 {
		return &connection.ResultSet{}, nil
	}
	return p.steps[idx].rs, p.steps[idx].err
}

func (p *scriptedPool) Query(_ context.Context, text string, args ...any) (*connection.ResultSet, error) {
	return p.next(call{text: text, args: args})
}

func (p *scriptedPool) ExecProc(_ context.Context, name string, args ...any) (*connection.ResultSet, error) {
	return p.next(call{proc: true, text: name, args: args})
}

func (p *scriptedPool) Ping(context.Context) error { return nil }

func (p *scriptedPool) Connected() bool { return true }

func (p *scriptedPool) Close() error { return nil }

func (p *scriptedPool) Calls() []call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]call(nil), p.calls...)
}

type fakeProvider struct {
	mu    sync.Mutex
	pool  connection.Pool
	err   error
	calls int
}

func (f *fakeProvider) GetConnection(context.Context) (connection.Pool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.pool, nil
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingMetrics struct {
	mu      sync.Mutex
	retries []FailureKind
	ops     []string
}

func (r *recordingMetrics) RecordRetry(_ context.Context, _ string, kind FailureKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, kind)
}

func (r *recordingMetrics) RecordOperation(_ context.Context, operation string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.ops = append(r.ops, operation+":"+outcome)
}

func resultSet(columns []string, rows ...[]any) *connection.ResultSet {
	rs := &connection.ResultSet{Columns: columns, RowsAffected: int64(len(rows))}
	for _, values := range rows {
		rs.Rows = append(rs.Rows, connection.NewRow(columns, values))
	}
	return rs
}
