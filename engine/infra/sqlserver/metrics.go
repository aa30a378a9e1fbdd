package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/compozy/mssql-mcp/engine/connection"
	monitoringmetrics "github.com/compozy/mssql-mcp/engine/infra/monitoring/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const defaultPoolLabel = "default"

type trackedPool struct {
	db    *sql.DB
	label string
}

// poolMetrics observes database/sql statistics of the pools it tracks.
type poolMetrics struct {
	open     metric.Int64ObservableGauge
	inUse    metric.Int64ObservableGauge
	idle     metric.Int64ObservableGauge
	maxOpen  metric.Int64ObservableGauge
	waitTime metric.Float64ObservableCounter
	pools    sync.Map
}

func newPoolMetrics(meter metric.Meter) (*poolMetrics, error) {
	pm := &poolMetrics{}
	var err error
	if pm.open, err = meter.Int64ObservableGauge(
		monitoringmetrics.MetricNameWithSubsystem("pool", "connections_open"),
		metric.WithDescription("Number of open SQL Server connections"),
	); err != nil {
		return nil, err
	}
	if pm.inUse, err = meter.Int64ObservableGauge(
		monitoringmetrics.MetricNameWithSubsystem("pool", "connections_in_use"),
		metric.WithDescription("Number of SQL Server connections currently in use"),
	); err != nil {
		return nil, err
	}
	if pm.idle, err = meter.Int64ObservableGauge(
		monitoringmetrics.MetricNameWithSubsystem("pool", "connections_idle"),
		metric.WithDescription("Number of idle SQL Server connections"),
	); err != nil {
		return nil, err
	}
	if pm.maxOpen, err = meter.Int64ObservableGauge(
		monitoringmetrics.MetricNameWithSubsystem("pool", "max_open_connections"),
		metric.WithDescription("Configured SQL Server connection pool size"),
	); err != nil {
		return nil, err
	}
	if pm.waitTime, err = meter.Float64ObservableCounter(
		monitoringmetrics.MetricNameWithSubsystem("pool", "connection_wait_seconds_total"),
		metric.WithDescription("Total time spent waiting for a connection from the pool"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if _, err := meter.RegisterCallback(pm.observe, pm.open, pm.inUse, pm.idle, pm.maxOpen, pm.waitTime); err != nil {
		return nil, fmt.Errorf("sqlserver: register pool callback: %w", err)
	}
	return pm, nil
}

func (pm *poolMetrics) observe(_ context.Context, observer metric.Observer) error {
	pm.pools.Range(func(_, value any) bool {
		tracked, ok := value.(*trackedPool)
		if !ok || tracked == nil {
			return true
		}
		stats := tracked.db.Stats()
		attrs := metric.WithAttributes(attribute.String("pool", tracked.label))
		observer.ObserveInt64(pm.open, int64(stats.OpenConnections), attrs)
		observer.ObserveInt64(pm.inUse, int64(stats.InUse), attrs)
		observer.ObserveInt64(pm.idle, int64(stats.Idle), attrs)
		observer.ObserveInt64(pm.maxOpen, int64(stats.MaxOpenConnections), attrs)
		observer.ObserveFloat64(pm.waitTime, stats.WaitDuration.Seconds(), attrs)
		return true
	})
	return nil
}

func (pm *poolMetrics) attach(db *sql.DB, label string) {
	pm.pools.Store(db, &trackedPool{db: db, label: label})
}

func (pm *poolMetrics) detach(db *sql.DB) {
	pm.pools.Delete(db)
}

// poolLabel names a pool by server, port and database with label-safe runes.
func poolLabel(desc connection.Descriptor) string {
	raw := []string{desc.Server, strconv.Itoa(desc.Port), desc.Database}
	parts := make([]string, 0, len(raw))
	for _, c := range raw {
		if s := sanitizeLabelComponent(c); s != "" && s != "0" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return defaultPoolLabel
	}
	return strings.Join(parts, "-")
}

func sanitizeLabelComponent(component string) string {
	trimmed := strings.ToLower(strings.TrimSpace(component))
	if trimmed == "" {
		return ""
	}
	var builder strings.Builder
	for _, r := range trimmed {
		if isLabelRune(r) {
			builder.WriteRune(r)
			continue
		}
		builder.WriteRune('_')
	}
	return strings.Trim(builder.String(), "_")
}

func isLabelRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '.', r == ':':
		return true
	default:
		return false
	}
}
