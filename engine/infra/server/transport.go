package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/compozy/mssql-mcp/pkg/logger"
	"github.com/compozy/mssql-mcp/pkg/version"
	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"
)

const (
	httpReadHeaderTimeout = 15 * time.Second
	httpIdleTimeout       = 120 * time.Second
	defaultShutdown       = 10 * time.Second
)

// ServeStdio serves MCP over newline-delimited JSON-RPC on in and out, which
// default to the process stdin and stdout.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	stdio := server.NewStdioServer(s.mcp)
	if err := stdio.Listen(ctx, in, out); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio transport failed: %w", err)
	}
	return nil
}

// Handler builds the HTTP router: the streamable MCP endpoint, the health
// probe and, when monitoring is initialized, the Prometheus exporter.
func (s *Server) Handler(ctx context.Context) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger.FromContext(ctx)))
	router.Use(s.monitoring.GinMiddleware(ctx))

	streamable := server.NewStreamableHTTPServer(s.mcp,
		server.WithEndpointPath(s.cfg.Server.BasePath),
	)
	router.Any(s.cfg.Server.BasePath, gin.WrapH(streamable))
	router.GET("/healthz", s.healthzHandler)
	if s.monitoring.IsInitialized() {
		router.GET(s.monitoring.Path(), gin.WrapH(s.monitoring.ExporterHandler()))
	}
	return router
}

func (s *Server) healthzHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   version.Get().Version,
		"database": gin.H{
			"state":     s.manager.State(),
			"connected": s.manager.IsConnected(),
		},
	})
}

func (s *Server) runHTTP(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.serveHTTP(ctx, listener)
}

// serveHTTP serves on listener until ctx is canceled, then shuts down within
// the configured timeout.
func (s *Server) serveHTTP(ctx context.Context, listener net.Listener) error {
	log := logger.FromContext(ctx)
	httpServer := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("MSSQL MCP server listening", "addr", listener.Addr().String(), "path", s.cfg.Server.BasePath)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down MSSQL MCP server")
		timeout := s.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdown
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Server shutdown failed", "error", err)
			return err
		}
		log.Info("MSSQL MCP server stopped gracefully")
		return nil
	})
	return g.Wait()
}
