package cache

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/torii-ai/torii/internal/model"
	"github.com/torii-ai/torii/internal/telemetry"
)

// ErrMiss is returned by Get when no live entry exists for the key.
// An expired entry is logically absent even if physically present.
var ErrMiss = errors.New("cache: miss")

// Store is the narrow mutation API for one cache backend. All access goes
// through it; no caller inspects or writes rows directly.
//
// Get must, on a hit, atomically increment the entry's hit count and
// refresh last_accessed; the read and the update are indivisible with
// respect to concurrent callers on the same key, so N concurrent hits on
// one live key raise hit_count by exactly N.
//
// Expiration is lazy: Get computes liveness at call time. Sweep physically
// removes dead entries but correctness never depends on it running.
type Store interface {
	Get(ctx context.Context, kind model.CacheKind, key model.Fingerprint) (model.CacheEntry, error)
	Put(ctx context.Context, kind model.CacheKind, key model.Fingerprint, payload string, ttl time.Duration) error
	Sweep(ctx context.Context) (removed int, err error)
	Stats() Stats
}

// Stats is a point-in-time snapshot of cache accounting.
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int64
	Swept   int64
}

// RegisterMetrics registers observable OTEL gauges over the store's
// accounting. Works against any backend; call once after the global
// meter provider is initialized.
func RegisterMetrics(s Store) {
	meter := telemetry.Meter("torii/cache")

	_, _ = meter.Int64ObservableGauge("torii.cache.entries",
		metric.WithDescription("Current number of physically present cache entries"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.Stats().Entries)
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("torii.cache.hits_total",
		metric.WithDescription("Total cache hits since start"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.Stats().Hits)
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("torii.cache.misses_total",
		metric.WithDescription("Total cache misses since start"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.Stats().Misses)
			return nil
		}),
	)
}
