package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/torii-ai/torii/internal/model"
)

func TestRegisterMetricsObservesStoreAccounting(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	s := NewMemoryStore()
	RegisterMetrics(s)

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, model.CacheTask, "k1", "payload", time.Minute))
	_, err := s.Get(ctx, model.CacheTask, "k1")
	require.NoError(t, err)
	_, err = s.Get(ctx, model.CacheTask, "absent")
	require.ErrorIs(t, err, ErrMiss)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			g, ok := m.Data.(metricdata.Gauge[int64])
			if !ok {
				continue
			}
			for _, dp := range g.DataPoints {
				got[m.Name] = dp.Value
			}
		}
	}
	assert.Equal(t, int64(1), got["torii.cache.entries"])
	assert.Equal(t, int64(1), got["torii.cache.hits_total"])
	assert.Equal(t, int64(1), got["torii.cache.misses_total"])
}
