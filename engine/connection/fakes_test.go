package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

type fakePool struct {
	connected atomic.Bool
	closed    atomic.Bool
	closeErr  error
	desc      Descriptor
}

func newFakePool(desc Descriptor) *fakePool {
	p := &fakePool{desc: desc}
	p.connected.Store(true)
	return p
}

func (p *fakePool) Query(context.Context, string, ...any) (*ResultSet, error) {
	return &ResultSet{}, nil
}

func (p *fakePool) ExecProc(context.Context, string, ...any) (*ResultSet, error) {
	return &ResultSet{}, nil
}

func (p *fakePool) Ping(context.Context) error { return nil }

func (p *fakePool) Connected() bool { return p.connected.Load() && !p.closed.Load() }

func (p *fakePool) Close() error {
	p.closed.Store(true)
	return p.closeErr
}

type fakeOpener struct {
	mu     sync.Mutex
	calls  int
	descs  []Descriptor
	pools  []*fakePool
	failOn map[int]error
	err    error
}

func (o *fakeOpener) Open(_ context.Context, desc Descriptor) (Pool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	o.descs = append(o.descs, desc)
	if err, ok := o.failOn[o.calls]; ok {
		return nil, err
	}
	if o.err != nil {
		return nil, o.err
	}
	p := newFakePool(desc)
	o.pools = append(o.pools, p)
	return p, nil
}

func (o *fakeOpener) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func (o *fakeOpener) LastPool() *fakePool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pools) == 0 {
		return nil
	}
	return o.pools[len(o.pools)-1]
}

type staticSource struct {
	cfg   *Config
	err   error
	loads atomic.Int32
}

func (s *staticSource) Load(context.Context) (*Config, error) {
	s.loads.Add(1)
	return s.cfg.Clone(), s.err
}

var errDial = errors.New("dial tcp 10.0.0.5:1433: connect: connection refused")

func structuredConfig() *Config {
	return &Config{
		Server:   "db.internal",
		Database: "sales",
		User:     "sa",
		Password: "secret",
	}
}
