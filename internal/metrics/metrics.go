// Package metrics is the daemon's metrics surface: typed counters and
// histograms for filesystem operations, the two-tier chunk cache, the
// lock table, and the wire protocol, exported via OpenTelemetry to
// Prometheus. The handle interfaces mirror the teacher's
// common/telemetry.go split (one narrow interface per subsystem,
// composed into a single Handle callers depend on) so each package only
// imports the slice of metrics it actually emits.
package metrics

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// ShutdownFn releases whatever a constructor set up (an exporter, a
// background reader); constructors that need nothing to release return a
// no-op ShutdownFn rather than nil, so callers can always defer it.
type ShutdownFn func(ctx context.Context) error

// JoinShutdownFunc combines shutdown functions into one, running all of
// them and joining their errors, matching the teacher's own
// JoinShutdownFunc in common/telemetry.go.
func JoinShutdownFunc(fns ...ShutdownFn) ShutdownFn {
	return func(ctx context.Context) error {
		var err error
		for _, fn := range fns {
			if fn == nil {
				continue
			}
			err = errors.Join(err, fn(ctx))
		}
		return err
	}
}

// defaultLatencyBuckets is the teacher's own explicit bucket boundary
// list (common/telemetry.go's defaultLatencyDistribution), reused
// unchanged: it spans sub-millisecond to 100ms-scale operations, which
// covers both an L1 cache hit and a host round trip.
var defaultLatencyBuckets = metric.WithExplicitBucketBoundaries(
	1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40, 50, 65, 80, 100,
	130, 160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000, 5000,
	10000, 20000, 50000, 100000,
)

// FSMetricHandle covers the filesystem-op surface: one fuseops.* call in,
// one reply or error out.
type FSMetricHandle interface {
	OpsCount(ctx context.Context, inc int64, op string)
	OpsLatency(ctx context.Context, latency time.Duration, op string)
	OpsErrorCount(ctx context.Context, inc int64, op, category string)
}

// CacheMetricHandle covers internal/cache's L1/L2/miss read path.
type CacheMetricHandle interface {
	CacheReadCount(ctx context.Context, inc int64, tier string)
	CacheReadBytesCount(ctx context.Context, inc int64, tier string)
	CacheReadLatency(ctx context.Context, latency time.Duration, tier string)
}

// LockMetricHandle covers internal/lock's grant/deny outcomes.
type LockMetricHandle interface {
	LockGrantCount(ctx context.Context, inc int64, kind string)
	LockDenyCount(ctx context.Context, inc int64, reason string)
}

// NetworkMetricHandle covers internal/transport and internal/client's
// wire-level traffic.
type NetworkMetricHandle interface {
	RequestCount(ctx context.Context, inc int64, method string)
	RequestLatency(ctx context.Context, latency time.Duration, method string)
	BytesTransferredCount(ctx context.Context, inc int64, direction string)
	InFlightRequests(ctx context.Context, delta int64)
}

// Handle is the full surface a daemon process depends on; most packages
// only need one of the narrower interfaces above.
type Handle interface {
	FSMetricHandle
	CacheMetricHandle
	LockMetricHandle
	NetworkMetricHandle
}
