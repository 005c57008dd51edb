package observability

import (
	"context"
	"database/sql"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DBPoolMetrics exports database/sql pool statistics as OTel observable gauges.
type DBPoolMetrics struct {
	registration metric.Registration
}

// RegisterDBPoolMetrics observes db.Stats() on every collection of the
// global meter provider. Call Unregister on shutdown.
func RegisterDBPoolMetrics(db *sql.DB, driver string) (*DBPoolMetrics, error) {
	meter := otel.Meter(TracerName)

	open, err := meter.Int64ObservableGauge(
		"db.client.connections.open",
		metric.WithDescription("Open connections in the pool"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create open connections gauge: %w", err)
	}
	usage, err := meter.Int64ObservableGauge(
		"db.client.connections.usage",
		metric.WithDescription("Connections by state"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection usage gauge: %w", err)
	}
	maxOpen, err := meter.Int64ObservableGauge(
		"db.client.connections.max",
		metric.WithDescription("Maximum open connections allowed"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create max connections gauge: %w", err)
	}
	waits, err := meter.Int64ObservableCounter(
		"db.client.connections.wait_count",
		metric.WithDescription("Connections waited for"),
		metric.WithUnit("{wait}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create wait count counter: %w", err)
	}

	system := attribute.String("db.system", driver)
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := db.Stats()
		o.ObserveInt64(open, int64(stats.OpenConnections), metric.WithAttributes(system))
		o.ObserveInt64(usage, int64(stats.InUse), metric.WithAttributes(system, attribute.String("state", "used")))
		o.ObserveInt64(usage, int64(stats.Idle), metric.WithAttributes(system, attribute.String("state", "idle")))
		o.ObserveInt64(maxOpen, int64(stats.MaxOpenConnections), metric.WithAttributes(system))
		o.ObserveInt64(waits, stats.WaitCount, metric.WithAttributes(system))
		return nil
	}, open, usage, maxOpen, waits)
	if err != nil {
		return nil, fmt.Errorf("failed to register pool callback: %w", err)
	}
	return &DBPoolMetrics{registration: reg}, nil
}

// Unregister stops observing the pool.
func (m *DBPoolMetrics) Unregister(context.Context) error {
	return m.registration.Unregister()
}
