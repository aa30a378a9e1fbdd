package server

import (
	"context"
	"fmt"
	"time"

	"github.com/compozy/mssql-mcp/engine/connection"
	"github.com/compozy/mssql-mcp/engine/infra/monitoring"
	"github.com/compozy/mssql-mcp/engine/infra/sqlserver"
	"github.com/compozy/mssql-mcp/engine/query"
	"github.com/compozy/mssql-mcp/engine/tools"
	"github.com/compozy/mssql-mcp/pkg/config"
	"github.com/compozy/mssql-mcp/pkg/logger"
	"github.com/compozy/mssql-mcp/pkg/version"
	"github.com/mark3labs/mcp-go/server"
)

const (
	serverName                = "mssql-mcp"
	monitoringShutdownTimeout = 5 * time.Second
	disconnectTimeout         = 10 * time.Second
	bootstrapTimeout          = 30 * time.Second
)

// Server wires the connection manager, the query executor and the MCP tool
// surface, and serves them over the configured transport.
type Server struct {
	cfg        *config.Config
	opener     connection.Opener
	source     connection.ConfigSource
	monitoring *monitoring.Service
	manager    *connection.Manager
	executor   *query.Executor
	mcp        *server.MCPServer
}

type Option func(*Server)

// WithOpener replaces the SQL Server opener, mainly for tests.
func WithOpener(opener connection.Opener) Option {
	return func(s *Server) {
		s.opener = opener
	}
}

// WithConfigSource replaces the MSSQL_* environment bootstrap source.
func WithConfigSource(src connection.ConfigSource) Option {
	return func(s *Server) {
		s.source = src
	}
}

func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.FromContext(ctx)
	}
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	s.monitoring = newMonitoring(ctx, cfg)
	instruments := s.monitoring.Instruments()
	if s.opener == nil {
		s.opener = sqlserver.NewOpener(
			&sqlserver.Config{
				MaxOpenConns:    cfg.Pool.MaxOpenConns,
				MaxIdleConns:    cfg.Pool.MaxIdleConns,
				ConnMaxLifetime: cfg.Pool.ConnMaxLifetime,
				ConnMaxIdleTime: cfg.Pool.ConnMaxIdleTime,
				PingTimeout:     cfg.Pool.PingTimeout,
			},
			sqlserver.WithMeter(ctx, s.monitoring.Meter()),
		)
	}
	if s.source == nil {
		s.source = connection.NewEnvSource()
	}
	s.manager = connection.NewManager(s.opener,
		connection.WithConfigSource(s.source),
		connection.WithMetrics(instruments),
	)
	s.executor = query.NewExecutor(s.manager,
		query.WithMaxRetries(cfg.Query.MaxRetries),
		query.WithRetryDelay(cfg.Query.RetryDelay),
		query.WithQueryTimeout(cfg.Query.QueryTimeout),
		query.WithMetrics(instruments),
	)
	s.mcp = server.NewMCPServer(
		serverName,
		version.Get().Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	toolset := tools.NewToolset(s.manager, s.executor)
	if err := tools.Register(ctx, s.mcp, instruments, toolset.Definitions()...); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return s, nil
}

func newMonitoring(ctx context.Context, cfg *config.Config) *monitoring.Service {
	return monitoring.NewMonitoringServiceWithFallback(ctx, &monitoring.Config{
		Enabled: cfg.Monitoring.Enabled,
		Path:    cfg.Monitoring.Path,
	})
}

// Manager exposes the connection manager backing the tools.
func (s *Server) Manager() *connection.Manager {
	return s.manager
}

// Bootstrap configures the connection from the bootstrap source when it has
// a config. Failures are logged and the server stays unconfigured.
func (s *Server) Bootstrap(ctx context.Context) {
	log := logger.FromContext(ctx)
	cfg, err := s.source.Load(ctx)
	if err != nil {
		log.Error("Failed to read connection settings from environment", "error", err)
		return
	}
	if cfg == nil {
		log.Info("No connection configuration found in environment variables")
		return
	}
	bootCtx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()
	if _, err := s.manager.Configure(bootCtx, cfg); err != nil {
		log.Error("Failed to auto-connect from environment variables", "error", err)
		return
	}
	log.Info("Auto-connected to database from environment variables", "server", cfg.Redacted().Server)
}

// Run bootstraps the connection and serves until ctx is canceled or the
// transport stops.
func (s *Server) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	s.Bootstrap(ctx)
	defer s.shutdown(ctx)
	switch s.cfg.Server.Transport {
	case config.TransportHTTP:
		return s.runHTTP(ctx)
	case config.TransportStdio, "":
		log.Info("MSSQL MCP server running on stdio")
		return s.ServeStdio(ctx, nil, nil)
	default:
		return fmt.Errorf("unsupported transport %q", s.cfg.Server.Transport)
	}
}

func (s *Server) shutdown(ctx context.Context) {
	log := logger.FromContext(ctx)
	disconnectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer cancel()
	if msg, err := s.manager.Disconnect(disconnectCtx); err != nil {
		log.Warn("Failed to disconnect during shutdown", "error", err)
	} else {
		log.Debug("Database connection released", "result", msg)
	}
	monitoringCtx, cancelMonitoring := context.WithTimeout(context.WithoutCancel(ctx), monitoringShutdownTimeout)
	defer cancelMonitoring()
	if err := s.monitoring.Shutdown(monitoringCtx); err != nil {
		log.Warn("Failed to shut down monitoring", "error", err)
	}
}
