package reconcile_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/topographica/livemap/internal/geo"
	"github.com/topographica/livemap/internal/reconcile"
	"github.com/topographica/livemap/internal/surface/memory"
	"github.com/topographica/livemap/pkg/core"
)

// collect returns the int64 value of every counter and gauge by name.
func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] = dp.Value
				}
			}
		}
	}
	return out
}

func TestEngineMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	e, err := reconcile.New("world", memory.New(nil), geo.Transform{}, reconcile.WithMeterProvider(mp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	e.Apply(core.FetchResult{Seq: 1, Snapshot: core.Snapshot{player("A", 1, 1), player("B", 2, 2)}})
	e.Apply(core.FetchResult{Seq: 2, Snapshot: core.Snapshot{player("A", 5, 5)}})
	e.Apply(core.FetchResult{Seq: 1, Snapshot: core.Snapshot{}})

	got := collect(t, reader)
	assert.Equal(t, int64(2), got["reconcile.markers.created"])
	assert.Equal(t, int64(1), got["reconcile.markers.moved"])
	assert.Equal(t, int64(1), got["reconcile.markers.removed"])
	assert.Equal(t, int64(1), got["reconcile.snapshots.stale"])
	assert.Equal(t, int64(1), got["reconcile.markers.displayed"])
}

func TestEngineMetrics_CloseStopsGauge(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	e, err := reconcile.New("world", memory.New(nil), geo.Transform{}, reconcile.WithMeterProvider(mp))
	require.NoError(t, err)
	e.ApplySnapshot(core.Snapshot{player("A", 1, 1)})
	require.NoError(t, e.Close())

	_, ok := collect(t, reader)["reconcile.markers.displayed"]
	assert.False(t, ok)
}
