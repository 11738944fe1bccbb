package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const syncMeterName = "github.com/opsbridge/opsbridge/internal/telemetry/sync"

// SyncMetrics holds the instruments for synchronization traffic. A nil
// *SyncMetrics is valid and records nothing.
type SyncMetrics struct {
	outboundDuration  metric.Float64Histogram
	outboundTotal     metric.Int64Counter
	inboundTotal      metric.Int64Counter
	retryTotal        metric.Int64Counter
	reconcileDuration metric.Float64Histogram
	reconcileEntities metric.Int64Counter
	broadcastTotal    metric.Int64Counter
}

// NewSyncMetrics creates the sync instruments on the global meter provider.
func NewSyncMetrics() (*SyncMetrics, error) {
	meter := otel.Meter(syncMeterName)

	outboundDuration, err := meter.Float64Histogram(
		"sync.outbound.duration",
		metric.WithDescription("Duration of calls to external systems in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	outboundTotal, err := meter.Int64Counter(
		"sync.outbound.total",
		metric.WithDescription("Total number of calls to external systems"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	inboundTotal, err := meter.Int64Counter(
		"sync.inbound.total",
		metric.WithDescription("Inbound payloads by outcome"),
		metric.WithUnit("{payload}"),
	)
	if err != nil {
		return nil, err
	}

	retryTotal, err := meter.Int64Counter(
		"sync.retry.total",
		metric.WithDescription("Retry queue attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	reconcileDuration, err := meter.Float64Histogram(
		"sync.reconcile.duration",
		metric.WithDescription("Duration of reconciliation passes in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	reconcileEntities, err := meter.Int64Counter(
		"sync.reconcile.entities",
		metric.WithDescription("Entities examined by reconciliation, by result"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return nil, err
	}

	broadcastTotal, err := meter.Int64Counter(
		"sync.broadcast.total",
		metric.WithDescription("Messages fanned out to live subscribers"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		outboundDuration:  outboundDuration,
		outboundTotal:     outboundTotal,
		inboundTotal:      inboundTotal,
		retryTotal:        retryTotal,
		reconcileDuration: reconcileDuration,
		reconcileEntities: reconcileEntities,
		broadcastTotal:    broadcastTotal,
	}, nil
}

// RecordOutbound records one call to an external system.
func (m *SyncMetrics) RecordOutbound(system, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("sync.system", system),
		attribute.String("sync.operation", operation),
	}
	if err != nil {
		attrs = append(attrs, attribute.Bool("error", true))
	}

	// Background context so a cancelled caller still gets counted.
	ctx := context.Background()
	m.outboundDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.outboundTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordInbound records one inbound payload.
func (m *SyncMetrics) RecordInbound(system, outcome string) {
	if m == nil {
		return
	}
	m.inboundTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("sync.system", system),
		attribute.String("sync.outcome", outcome),
	))
}

// RecordRetry records one retry queue attempt.
func (m *SyncMetrics) RecordRetry(system, outcome string) {
	if m == nil {
		return
	}
	m.retryTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("sync.system", system),
		attribute.String("sync.outcome", outcome),
	))
}

// RecordReconcile records a finished reconciliation pass.
func (m *SyncMetrics) RecordReconcile(pass string, duration time.Duration, checked, diverged, failed int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	passAttr := attribute.String("sync.pass", pass)
	m.reconcileDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(passAttr))
	if inSync := checked - diverged - failed; inSync > 0 {
		m.reconcileEntities.Add(ctx, int64(inSync), metric.WithAttributes(passAttr, attribute.String("sync.result", "in_sync")))
	}
	m.reconcileEntities.Add(ctx, int64(diverged), metric.WithAttributes(passAttr, attribute.String("sync.result", "diverged")))
	m.reconcileEntities.Add(ctx, int64(failed), metric.WithAttributes(passAttr, attribute.String("sync.result", "failed")))
}

// RecordBroadcast records a fan-out.
func (m *SyncMetrics) RecordBroadcast(eventType string, delivered int) {
	if m == nil {
		return
	}
	m.broadcastTotal.Add(context.Background(), int64(delivered), metric.WithAttributes(
		attribute.String("sync.event", eventType),
	))
}
