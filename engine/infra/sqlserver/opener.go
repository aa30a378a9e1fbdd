package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/compozy/mssql-mcp/engine/connection"
	"github.com/compozy/mssql-mcp/pkg/logger"
	mssql "github.com/microsoft/go-mssqldb"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 2
	defaultConnMaxIdleTime = 30 * time.Second
	defaultPingTimeout     = 15 * time.Second
)

// Opener creates go-mssqldb backed pools. It implements connection.Opener.
type Opener struct {
	cfg     Config
	metrics *poolMetrics
}

type OpenerOption func(*Opener)

// WithMeter publishes pool statistics as observable gauges on meter.
func WithMeter(ctx context.Context, meter metric.Meter) OpenerOption {
	return func(o *Opener) {
		if meter == nil {
			return
		}
		pm, err := newPoolMetrics(meter)
		if err != nil {
			logger.FromContext(ctx).Warn("SQL Server pool metrics not initialized; continuing without metrics", "error", err)
			return
		}
		o.metrics = pm
	}
}

func NewOpener(cfg *Config, opts ...OpenerOption) *Opener {
	o := &Opener{}
	if cfg != nil {
		o.cfg = *cfg
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Open builds a pool for desc and verifies it with a ping.
func (o *Opener) Open(ctx context.Context, desc connection.Descriptor) (connection.Pool, error) {
	connector, err := mssql.NewConnector(desc.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlserver: parse connection string: %w", err)
	}
	db := sql.OpenDB(connector)
	maxOpen, maxIdle := o.applyPoolSettings(db)
	if err := verifyConnection(ctx, db, o.pingTimeout()); err != nil {
		return nil, err
	}
	pool := newPool(db, true)
	if o.metrics != nil {
		o.metrics.attach(db, poolLabel(desc))
		pool.onClose = func() { o.metrics.detach(db) }
	}
	logPoolInitialization(ctx, desc, maxOpen, maxIdle)
	return pool, nil
}

func (o *Opener) applyPoolSettings(db *sql.DB) (int, int) {
	maxOpen := defaultMaxOpenConns
	if o.cfg.MaxOpenConns > 0 {
		maxOpen = o.cfg.MaxOpenConns
	}
	maxIdle := defaultMaxIdleConns
	if o.cfg.MaxIdleConns > 0 {
		maxIdle = min(o.cfg.MaxIdleConns, maxOpen)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	if o.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(o.cfg.ConnMaxLifetime)
	}
	idle := defaultConnMaxIdleTime
	if o.cfg.ConnMaxIdleTime > 0 {
		idle = o.cfg.ConnMaxIdleTime
	}
	db.SetConnMaxIdleTime(idle)
	return maxOpen, maxIdle
}

func (o *Opener) pingTimeout() time.Duration {
	if o.cfg.PingTimeout > 0 {
		return o.cfg.PingTimeout
	}
	return defaultPingTimeout
}

// verifyConnection pings the pool and closes it on failure.
func verifyConnection(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if cerr := db.Close(); cerr != nil {
			logger.FromContext(ctx).Warn("Failed to close pool after ping failure", "error", cerr)
		}
		return fmt.Errorf("sqlserver: ping: %w", err)
	}
	return nil
}

func logPoolInitialization(ctx context.Context, desc connection.Descriptor, maxOpen, maxIdle int) {
	logger.FromContext(ctx).With(
		"store_driver", "sqlserver",
		"server", desc.Server,
		"port", desc.Port,
		"database", desc.Database,
		"encrypt", desc.Encrypt,
		"trust_server_certificate", desc.TrustServerCertificate,
		"max_open_conns", maxOpen,
		"max_idle_conns", maxIdle,
	).Info("SQL Server pool initialized")
}
