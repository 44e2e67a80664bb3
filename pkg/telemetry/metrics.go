package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Instrumentation scope for every stocksync instrument.
const scopeName = "github.com/txn2/stocksync"

// Instrument names.
const (
	RefreshCounterName   = "stocksync.token.refreshes"
	ReconnectCounterName = "stocksync.realtime.reconnects"
	FetchCounterName     = "stocksync.readmodel.fetches"
)

// Metrics records stocksync counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	refreshes  otelmetric.Int64Counter
	reconnects otelmetric.Int64Counter
	fetches    otelmetric.Int64Counter
}

// NewMetrics creates the instruments on provider. A nil provider uses a
// no-op meter.
func NewMetrics(provider otelmetric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(scopeName)

	refreshes, err := meter.Int64Counter(RefreshCounterName,
		otelmetric.WithDescription("Access token refresh attempts by outcome."))
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", RefreshCounterName, err)
	}
	reconnects, err := meter.Int64Counter(ReconnectCounterName,
		otelmetric.WithDescription("Realtime connection attempts by reason."))
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", ReconnectCounterName, err)
	}
	fetches, err := meter.Int64Counter(FetchCounterName,
		otelmetric.WithDescription("Read-model loads by entity and source."))
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", FetchCounterName, err)
	}

	return &Metrics{
		refreshes:  refreshes,
		reconnects: reconnects,
		fetches:    fetches,
	}, nil
}

// RecordRefresh counts one refresh. outcome is "success" or "failure".
func (m *Metrics) RecordRefresh(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.refreshes.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordReconnect counts one realtime connection attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("reason", reason)))
}

// RecordFetch counts one read-model load. source is "memory", "cache",
// "http" or "push"; outcome is "success" or "failure".
func (m *Metrics) RecordFetch(ctx context.Context, entity, source, outcome string) {
	if m == nil {
		return
	}
	m.fetches.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}
