package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/compozy/mssql-mcp/pkg/logger"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Metrics receives one observation per tool call.
type Metrics interface {
	RecordToolCall(ctx context.Context, tool string, duration time.Duration, failed bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordToolCall(context.Context, string, time.Duration, bool) {}

// Register validates defs and adds them to s. Every handler is wrapped so a
// failure becomes an error-flagged text result and never a transport error.
func Register(ctx context.Context, s *server.MCPServer, metrics Metrics, defs ...Definition) error {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	serverTools := make([]server.ServerTool, 0, len(defs))
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return err
		}
		serverTools = append(serverTools, server.ServerTool{
			Tool:    def.Tool,
			Handler: wrap(def, metrics),
		})
	}
	s.AddTools(serverTools...)
	logger.FromContext(ctx).Info("Registered MCP tools", "count", len(serverTools))
	return nil
}

func wrap(def Definition, metrics Metrics) server.ToolHandlerFunc {
	name := def.Name()
	return func(ctx context.Context, request mcp.CallToolRequest) (result *mcp.CallToolResult, err error) {
		requestID := uuid.NewString()
		log := logger.FromContext(ctx).With("tool", name, "request_id", requestID)
		ctx = logger.ContextWithLogger(ContextWithRequestID(ctx, requestID), log)
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				log.Error("Tool handler panicked", "panic", r)
				result = errorResult(fmt.Errorf("internal error in %s: %v", name, r))
				err = nil
			}
			duration := time.Since(start)
			metrics.RecordToolCall(ctx, name, duration, result == nil || result.IsError)
		}()
		log.Debug("Tool call started")
		text, callErr := def.Handler(ctx, request.GetArguments())
		if callErr != nil {
			log.Warn("Tool call failed", "duration", time.Since(start), "error", callErr)
			return errorResult(callErr), nil
		}
		log.Debug("Tool call completed", "duration", time.Since(start))
		return mcp.NewToolResultText(text), nil
	}
}

func errorResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError("Error: " + err.Error())
}
