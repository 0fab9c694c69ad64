package stream

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lykkecity/bitstamp-adapter/internal/observability"
)

// Metrics tracks pipeline throughput, both as OpenTelemetry counters and as
// windowed counts logged periodically.
type Metrics struct {
	receivedCtr  metric.Int64Counter
	publishedCtr metric.Int64Counter
	droppedCtr   metric.Int64Counter

	windowReceived  atomic.Int64
	windowPublished atomic.Int64
	windowDropped   atomic.Int64
}

// NewMetrics registers the pipeline instruments on the given provider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("bitstamp-adapter/stream")

	received, err := meter.Int64Counter("orderbooks_received_total",
		metric.WithDescription("Order book payloads received from the exchange"))
	if err != nil {
		return nil, fmt.Errorf("create received counter: %w", err)
	}
	published, err := meter.Int64Counter("events_published_total",
		metric.WithDescription("Normalized events delivered to sinks"))
	if err != nil {
		return nil, fmt.Errorf("create published counter: %w", err)
	}
	dropped, err := meter.Int64Counter("events_dropped_total",
		metric.WithDescription("Events dropped by dedup, throttling or validation"))
	if err != nil {
		return nil, fmt.Errorf("create dropped counter: %w", err)
	}

	return &Metrics{receivedCtr: received, publishedCtr: published, droppedCtr: dropped}, nil
}

// MarkReceived counts one payload received for an instrument.
func (m *Metrics) MarkReceived(ctx context.Context, instrument string) {
	if m == nil {
		return
	}
	m.windowReceived.Add(1)
	m.receivedCtr.Add(ctx, 1, metric.WithAttributes(attribute.String("instrument", instrument)))
}

// MarkPublished counts one event delivered to a sink.
func (m *Metrics) MarkPublished(ctx context.Context, kind, instrument string) {
	if m == nil {
		return
	}
	m.windowPublished.Add(1)
	m.publishedCtr.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("instrument", instrument)))
}

// MarkDropped counts one event dropped before publishing.
func (m *Metrics) MarkDropped(ctx context.Context, reason, instrument string) {
	if m == nil {
		return
	}
	m.windowDropped.Add(1)
	m.droppedCtr.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("instrument", instrument)))
}

// RunStatsLoop logs windowed throughput until the context ends. The window
// counters reset on every tick.
func (m *Metrics) RunStatsLoop(ctx context.Context, window time.Duration) {
	if m == nil || window <= 0 {
		return
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			received := m.windowReceived.Swap(0)
			published := m.windowPublished.Swap(0)
			dropped := m.windowDropped.Swap(0)
			observability.Log().Info("stream throughput",
				observability.Field{Key: "window", Value: window.String()},
				observability.Field{Key: "received", Value: received},
				observability.Field{Key: "published", Value: published},
				observability.Field{Key: "dropped", Value: dropped})
		}
	}
}
