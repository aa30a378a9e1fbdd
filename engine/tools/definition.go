package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// HandlerFunc runs a tool against its decoded argument bag and returns the
// text payload sent back to the client.
type HandlerFunc func(ctx context.Context, args map[string]any) (string, error)

// Definition pairs an MCP tool schema with the handler that serves it.
type Definition struct {
	Tool    mcp.Tool
	Handler HandlerFunc
}

var ErrInvalidDefinition = errors.New("invalid tool definition")

// Name returns the tool name advertised to clients.
func (d Definition) Name() string {
	return d.Tool.Name
}

func (d Definition) Validate() error {
	if strings.TrimSpace(d.Tool.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if d.Handler == nil {
		return fmt.Errorf("%w: handler is required for %s", ErrInvalidDefinition, d.Tool.Name)
	}
	return nil
}

type requestIDKey struct{}

// ContextWithRequestID attaches the id assigned to a tool call.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id from context if present; empty otherwise.
func RequestIDFromContext(ctx context.Context) string {
	id, ok := ctx.Value(requestIDKey{}).(string)
	if !ok {
		return ""
	}
	return id
}
