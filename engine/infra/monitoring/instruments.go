package monitoring

import (
	"context"
	"time"

	monitoringmetrics "github.com/compozy/mssql-mcp/engine/infra/monitoring/metrics"
	"github.com/compozy/mssql-mcp/engine/query"
	"github.com/compozy/mssql-mcp/pkg/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Instruments records connection, query and tool activity. It satisfies the
// metrics hooks of the connection manager, the query executor and the tools.
// Nil instruments are skipped, so a partially initialized set still works.
type Instruments struct {
	connectionAttempts metric.Int64Counter
	queryRetries       metric.Int64Counter
	operationDuration  metric.Float64Histogram
	toolCalls          metric.Int64Counter
	toolDuration       metric.Float64Histogram
}

func NewInstruments(ctx context.Context, meter metric.Meter) *Instruments {
	log := logger.FromContext(ctx)
	in := &Instruments{}
	var err error
	in.connectionAttempts, err = meter.Int64Counter(
		monitoringmetrics.MetricName("connection_attempts_total"),
		metric.WithDescription("Connection attempts by kind and outcome"),
	)
	if err != nil {
		log.Error("Failed to create connection attempts counter", "error", err)
	}
	in.queryRetries, err = meter.Int64Counter(
		monitoringmetrics.MetricName("query_retries_total"),
		metric.WithDescription("Retried database operations by failure kind"),
	)
	if err != nil {
		log.Error("Failed to create query retries counter", "error", err)
	}
	in.operationDuration, err = meter.Float64Histogram(
		monitoringmetrics.MetricName("operation_seconds"),
		metric.WithDescription("Database operation latency including retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(monitoringmetrics.OperationDurationBuckets...),
	)
	if err != nil {
		log.Error("Failed to create operation duration histogram", "error", err)
	}
	in.toolCalls, err = meter.Int64Counter(
		monitoringmetrics.MetricName("tool_calls_total"),
		metric.WithDescription("MCP tool calls by tool and outcome"),
	)
	if err != nil {
		log.Error("Failed to create tool calls counter", "error", err)
	}
	in.toolDuration, err = meter.Float64Histogram(
		monitoringmetrics.MetricName("tool_call_seconds"),
		metric.WithDescription("MCP tool call latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(monitoringmetrics.OperationDurationBuckets...),
	)
	if err != nil {
		log.Error("Failed to create tool duration histogram", "error", err)
	}
	return in
}

func (in *Instruments) RecordConnectionAttempt(ctx context.Context, kind string, err error) {
	if in == nil || in.connectionAttempts == nil {
		return
	}
	in.connectionAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome(err)),
	))
}

func (in *Instruments) RecordRetry(ctx context.Context, operation string, kind query.FailureKind) {
	if in == nil || in.queryRetries == nil {
		return
	}
	in.queryRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("failure_kind", string(kind)),
	))
}

func (in *Instruments) RecordOperation(ctx context.Context, operation string, duration time.Duration, err error) {
	if in == nil || in.operationDuration == nil {
		return
	}
	in.operationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome(err)),
	))
}

func (in *Instruments) RecordToolCall(ctx context.Context, tool string, duration time.Duration, failed bool) {
	if in == nil {
		return
	}
	result := outcomeSuccess
	if failed {
		result = outcomeFailure
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", result),
	)
	if in.toolCalls != nil {
		in.toolCalls.Add(ctx, 1, attrs)
	}
	if in.toolDuration != nil {
		in.toolDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

func outcome(err error) string {
	if err != nil {
		return outcomeFailure
	}
	return outcomeSuccess
}
