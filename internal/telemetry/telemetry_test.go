package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInitDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "trapwatch", "test", false)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInstrumentsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	inst, err := NewInstruments(mp.Meter(ScopeName))
	require.NoError(t, err)

	ctx := context.Background()
	trap := metric.WithAttributes(attribute.String("trap_id", "VT1"))
	inst.SamplesEvaluated.Add(ctx, 100, trap)
	inst.SamplesEvaluated.Add(ctx, 20, trap)
	inst.TrapFailures.Add(ctx, 1, trap)
	inst.RunDuration.Record(ctx, 1.5)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	sums := map[string]int64{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		if s, ok := m.Data.(metricdata.Sum[int64]); ok {
			for _, dp := range s.DataPoints {
				sums[m.Name] += dp.Value
			}
		}
	}
	assert.Equal(t, int64(120), sums["trapwatch.samples.evaluated"])
	assert.Equal(t, int64(1), sums["trapwatch.trap.failures"])
	_, published := sums["trapwatch.publish.messages"]
	assert.False(t, published, "unused counters export no data points")
}
