package connection

import (
	"context"
	"fmt"
	"sync"

	"github.com/compozy/mssql-mcp/pkg/logger"
	"golang.org/x/sync/semaphore"
)

const (
	MsgConnected      = "Successfully connected to database"
	MsgDisconnected   = "Successfully disconnected from database"
	MsgNoActiveConn   = "No active database connection"
	attemptConfigure  = "configure"
	attemptReconnect  = "reconnect"
	attemptBootstrap  = "bootstrap"
	componentLogValue = "connection"
)

// State is the lifecycle state of the managed connection.
type State string

const (
	StateUnconfigured State = "unconfigured"
	StateConfiguring  State = "configuring"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// ConfigSource supplies a config when none is stored. Load returns nil, nil
// when the source has nothing to offer.
type ConfigSource interface {
	Load(ctx context.Context) (*Config, error)
}

// Metrics receives connection attempt outcomes.
type Metrics interface {
	RecordConnectionAttempt(ctx context.Context, kind string, err error)
}

type noopMetrics struct{}

func (noopMetrics) RecordConnectionAttempt(context.Context, string, error) {}

type Option func(*Manager)

// WithConfigSource sets the fallback used by GetConnection when no config is
// stored.
func WithConfigSource(src ConfigSource) Option {
	return func(m *Manager) {
		m.source = src
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// Manager owns a single pool and the config it was built from.
//
// Every mutation, and the check-then-reconnect sequence of GetConnection, runs
// while holding lock, a weighted semaphore of size one whose waiters are
// served in FIFO order. mu only guards the fields for lock-free snapshots
// (IsConnected, CurrentConfig, State) and is never held across I/O.
type Manager struct {
	opener  Opener
	source  ConfigSource
	metrics Metrics
	lock    *semaphore.Weighted

	mu     sync.RWMutex
	pool   Pool
	config *Config
	state  State
}

func NewManager(opener Opener, opts ...Option) *Manager {
	m := &Manager{
		opener:  opener,
		metrics: noopMetrics{},
		lock:    semaphore.NewWeighted(1),
		state:   StateUnconfigured,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Configure validates cfg, replaces any existing pool and connects.
//
// The attempted config is stored even when connecting fails, so
// CurrentConfig reports it and the next GetConnection retries it.
func (m *Manager) Configure(ctx context.Context, cfg *Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if err := m.acquire(ctx); err != nil {
		return "", err
	}
	defer m.lock.Release(1)
	if err := m.configureLocked(ctx, cfg, attemptConfigure); err != nil {
		return "", err
	}
	return MsgConnected, nil
}

// GetConnection returns the live pool, configuring from the bootstrap source
// or reconnecting first when needed.
func (m *Manager) GetConnection(ctx context.Context) (Pool, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.lock.Release(1)
	pool, cfg := m.snapshot()
	if cfg == nil {
		loaded, err := m.bootstrapLocked(ctx)
		if err != nil {
			return nil, err
		}
		if !loaded {
			return nil, ErrNotConfigured
		}
		pool, _ = m.snapshot()
	}
	if pool == nil || !pool.Connected() {
		logger.FromContext(ctx).Warn("Connection lost, attempting to reconnect", "component", componentLogValue)
		if err := m.reconnectLocked(ctx); err != nil {
			return nil, &ReconnectError{Err: err}
		}
		pool, _ = m.snapshot()
	}
	if pool == nil {
		return nil, &ReconnectError{Err: fmt.Errorf("failed to establish database connection")}
	}
	return pool, nil
}

// Reconnect rebuilds the pool from the stored config.
func (m *Manager) Reconnect(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.lock.Release(1)
	if err := m.reconnectLocked(ctx); err != nil {
		return &ReconnectError{Err: err}
	}
	return nil
}

// Disconnect closes the pool and forgets the config. It is idempotent.
func (m *Manager) Disconnect(ctx context.Context) (string, error) {
	if err := m.acquire(ctx); err != nil {
		return "", err
	}
	defer m.lock.Release(1)
	pool, cfg := m.snapshot()
	m.closePool(ctx, pool)
	m.mu.Lock()
	m.pool = nil
	m.config = nil
	if pool != nil || cfg != nil {
		m.state = StateDisconnected
	}
	m.mu.Unlock()
	if pool == nil {
		return MsgNoActiveConn, nil
	}
	logger.FromContext(ctx).Info("Disconnected from database", "component", componentLogValue)
	return MsgDisconnected, nil
}

func (m *Manager) IsConnected() bool {
	pool, _ := m.snapshot()
	return pool != nil && pool.Connected()
}

// CurrentConfig returns a copy of the stored config, or nil.
func (m *Manager) CurrentConfig() *Config {
	_, cfg := m.snapshot()
	return cfg.Clone()
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) acquire(ctx context.Context) error {
	if err := m.lock.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for connection lock: %w", err)
	}
	return nil
}

func (m *Manager) snapshot() (Pool, *Config) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pool, m.config
}

func (m *Manager) bootstrapLocked(ctx context.Context) (bool, error) {
	if m.source == nil {
		return false, nil
	}
	cfg, err := m.source.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load connection config: %w", err)
	}
	if cfg == nil {
		return false, nil
	}
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	if err := m.configureLocked(ctx, cfg, attemptBootstrap); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) configureLocked(ctx context.Context, cfg *Config, kind string) error {
	log := logger.FromContext(ctx).With("component", componentLogValue)
	pool, _ := m.snapshot()
	previous := m.beginConfiguring(cfg.Clone())
	m.closePool(ctx, pool)
	newPool, err := m.open(ctx, cfg)
	m.metrics.RecordConnectionAttempt(ctx, kind, err)
	if err != nil {
		m.fail(previous)
		log.Error("Failed to connect to database", "kind", kind, "error", err)
		return &ConnectError{Err: err}
	}
	m.succeed(newPool)
	log.Info("Connected to database", "kind", kind, "server", targetOf(cfg))
	return nil
}

func (m *Manager) reconnectLocked(ctx context.Context) error {
	log := logger.FromContext(ctx).With("component", componentLogValue)
	pool, cfg := m.snapshot()
	if cfg == nil {
		m.metrics.RecordConnectionAttempt(ctx, attemptReconnect, ErrNoConfig)
		return ErrNoConfig
	}
	previous := m.beginConfiguring(cfg)
	m.closePool(ctx, pool)
	newPool, err := m.open(ctx, cfg)
	m.metrics.RecordConnectionAttempt(ctx, attemptReconnect, err)
	if err != nil {
		m.fail(previous)
		log.Error("Failed to reconnect to database", "error", err)
		return err
	}
	m.succeed(newPool)
	log.Info("Successfully reconnected to database", "server", targetOf(cfg))
	return nil
}

func (m *Manager) open(ctx context.Context, cfg *Config) (Pool, error) {
	desc, err := BuildDescriptor(cfg)
	if err != nil {
		return nil, err
	}
	return m.opener.Open(ctx, desc)
}

// beginConfiguring stores cfg, drops the pool reference and returns the
// state to fall back to on failure.
func (m *Manager) beginConfiguring(cfg *Config) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	previous := m.state
	if previous == StateConnected || previous == StateConfiguring {
		previous = StateDisconnected
	}
	m.pool = nil
	m.config = cfg
	m.state = StateConfiguring
	return previous
}

func (m *Manager) succeed(pool Pool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool = pool
	m.state = StateConnected
}

func (m *Manager) fail(previous State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool = nil
	m.state = previous
}

// closePool is best-effort: failures are logged and swallowed.
func (m *Manager) closePool(ctx context.Context, pool Pool) {
	if pool == nil {
		return
	}
	if err := pool.Close(); err != nil {
		logger.FromContext(ctx).Warn("Error closing old connection", "component", componentLogValue, "error", err)
	}
}

func targetOf(cfg *Config) string {
	if cfg.UsesConnectionString() {
		desc, err := buildFromConnectionString(cfg.ConnectionString)
		if err == nil {
			return desc.Server
		}
		return ""
	}
	return cfg.Server
}
