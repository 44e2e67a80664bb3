package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Sum[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Sum[int64]{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				out[m.Name] = sum
			}
		}
	}
	return out
}

func total(sum metricdata.Sum[int64], key, value string) int64 {
	var n int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			n += dp.Value
		}
	}
	return n
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewMetrics(provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordRefresh(ctx, "success")
	m.RecordRefresh(ctx, "success")
	m.RecordRefresh(ctx, "failure")
	m.RecordReconnect(ctx, "reauthenticate")
	m.RecordFetch(ctx, "dashboard", "http", "success")

	got := collect(t, reader)
	assert.Equal(t, int64(2), total(got[RefreshCounterName], "outcome", "success"))
	assert.Equal(t, int64(1), total(got[RefreshCounterName], "outcome", "failure"))
	assert.Equal(t, int64(1), total(got[ReconnectCounterName], "reason", "reauthenticate"))
	assert.Equal(t, int64(1), total(got[FetchCounterName], "source", "http"))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordRefresh(ctx, "success")
		m.RecordReconnect(ctx, "dial")
		m.RecordFetch(ctx, "dashboard", "cache", "success")
	})
}

func TestNewMetrics_NilProvider(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestNewProviders_EmptyEndpoint(t *testing.T) {
	p, err := NewProviders(context.Background(), "", "stocksync", false)
	require.NoError(t, err)
	require.NotNil(t, p.MeterProvider)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviders_InvalidEndpoint(t *testing.T) {
	_, err := NewProviders(context.Background(), "http://", "stocksync", false)
	assert.Error(t, err)
}
