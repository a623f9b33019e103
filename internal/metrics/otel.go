package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Attribute keys, matching the single-word style of the teacher's
// IOMethodKey/GCSMethodKey/FSOpKey constants.
const (
	opKey         = "op"
	categoryKey   = "error_category"
	tierKey       = "cache_tier"
	lockKindKey   = "lock_kind"
	denyReasonKey = "deny_reason"
	methodKey     = "method"
	directionKey  = "direction"
)

// otelMetrics is the Handle implementation backed by real OpenTelemetry
// instruments. Every attribute.Set this package builds is cached in a
// sync.Map keyed on the call's string label, the same
// loadOrStoreAttributeOption idiom the teacher uses to avoid reallocating
// an attribute.Set on every single recorded measurement.
type otelMetrics struct {
	opsCount      metric.Int64Counter
	opsLatency    metric.Float64Histogram
	opsErrorCount metric.Int64Counter

	cacheReadCount      metric.Int64Counter
	cacheReadBytesCount metric.Int64Counter
	cacheReadLatency    metric.Float64Histogram

	lockGrantCount metric.Int64Counter
	lockDenyCount  metric.Int64Counter

	requestCount          metric.Int64Counter
	requestLatency        metric.Float64Histogram
	bytesTransferredCount metric.Int64Counter
	inFlightRequests      metric.Int64UpDownCounter

	opSets       sync.Map
	errSets      sync.Map
	tierSets     sync.Map
	lockKindSets sync.Map
	denySets     sync.Map
	methodSets   sync.Map
	dirSets      sync.Map
}

func loadOrStore(m *sync.Map, key string, build func() attribute.Set) metric.MeasurementOption {
	if v, ok := m.Load(key); ok {
		return v.(metric.MeasurementOption)
	}
	v, _ := m.LoadOrStore(key, metric.WithAttributeSet(build()))
	return v.(metric.MeasurementOption)
}

func (o *otelMetrics) opSet(op string) metric.MeasurementOption {
	return loadOrStore(&o.opSets, op, func() attribute.Set { return attribute.NewSet(attribute.String(opKey, op)) })
}

func (o *otelMetrics) errSet(op, category string) metric.MeasurementOption {
	return loadOrStore(&o.errSets, op+"\x00"+category, func() attribute.Set {
		return attribute.NewSet(attribute.String(opKey, op), attribute.String(categoryKey, category))
	})
}

func (o *otelMetrics) tierSet(tier string) metric.MeasurementOption {
	return loadOrStore(&o.tierSets, tier, func() attribute.Set { return attribute.NewSet(attribute.String(tierKey, tier)) })
}

func (o *otelMetrics) lockKindSet(kind string) metric.MeasurementOption {
	return loadOrStore(&o.lockKindSets, kind, func() attribute.Set { return attribute.NewSet(attribute.String(lockKindKey, kind)) })
}

func (o *otelMetrics) denySet(reason string) metric.MeasurementOption {
	return loadOrStore(&o.denySets, reason, func() attribute.Set { return attribute.NewSet(attribute.String(denyReasonKey, reason)) })
}

func (o *otelMetrics) methodSet(method string) metric.MeasurementOption {
	return loadOrStore(&o.methodSets, method, func() attribute.Set { return attribute.NewSet(attribute.String(methodKey, method)) })
}

func (o *otelMetrics) dirSet(direction string) metric.MeasurementOption {
	return loadOrStore(&o.dirSets, direction, func() attribute.Set { return attribute.NewSet(attribute.String(directionKey, direction)) })
}

func (o *otelMetrics) OpsCount(ctx context.Context, inc int64, op string) {
	o.opsCount.Add(ctx, inc, o.opSet(op))
}

func (o *otelMetrics) OpsLatency(ctx context.Context, latency time.Duration, op string) {
	o.opsLatency.Record(ctx, float64(latency.Microseconds()), o.opSet(op))
}

func (o *otelMetrics) OpsErrorCount(ctx context.Context, inc int64, op, category string) {
	o.opsErrorCount.Add(ctx, inc, o.errSet(op, category))
}

func (o *otelMetrics) CacheReadCount(ctx context.Context, inc int64, tier string) {
	o.cacheReadCount.Add(ctx, inc, o.tierSet(tier))
}

func (o *otelMetrics) CacheReadBytesCount(ctx context.Context, inc int64, tier string) {
	o.cacheReadBytesCount.Add(ctx, inc, o.tierSet(tier))
}

func (o *otelMetrics) CacheReadLatency(ctx context.Context, latency time.Duration, tier string) {
	o.cacheReadLatency.Record(ctx, float64(latency.Microseconds()), o.tierSet(tier))
}

func (o *otelMetrics) LockGrantCount(ctx context.Context, inc int64, kind string) {
	o.lockGrantCount.Add(ctx, inc, o.lockKindSet(kind))
}

func (o *otelMetrics) LockDenyCount(ctx context.Context, inc int64, reason string) {
	o.lockDenyCount.Add(ctx, inc, o.denySet(reason))
}

func (o *otelMetrics) RequestCount(ctx context.Context, inc int64, method string) {
	o.requestCount.Add(ctx, inc, o.methodSet(method))
}

func (o *otelMetrics) RequestLatency(ctx context.Context, latency time.Duration, method string) {
	o.requestLatency.Record(ctx, float64(latency.Milliseconds()), o.methodSet(method))
}

func (o *otelMetrics) BytesTransferredCount(ctx context.Context, inc int64, direction string) {
	o.bytesTransferredCount.Add(ctx, inc, o.dirSet(direction))
}

func (o *otelMetrics) InFlightRequests(ctx context.Context, delta int64) {
	o.inFlightRequests.Add(ctx, delta)
}

// NewOTelHandle builds a Handle backed by a fresh, process-local
// MeterProvider exporting to an embedded Prometheus registry (rather than
// otel.SetMeterProvider's package-global, so tests and multiple daemon
// instances in the same binary never collide). It returns the Handle, an
// http.Handler to mount at /metrics, and a ShutdownFn that flushes and
// stops the provider.
func NewOTelHandle() (Handle, http.Handler, ShutdownFn, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	h, err := newOTelMetrics(provider.Meter("wormhole"))
	if err != nil {
		return nil, nil, nil, err
	}

	shutdown := ShutdownFn(func(ctx context.Context) error {
		return provider.Shutdown(ctx)
	})
	return h, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), shutdown, nil
}

// newOTelMetrics instantiates every instrument against an already-built
// meter. Split out from NewOTelHandle so tests can point it at a
// metric.ManualReader-backed provider instead of a live Prometheus
// registry.
func newOTelMetrics(meter metric.Meter) (*otelMetrics, error) {
	opsCount, err1 := meter.Int64Counter("fs/ops_count", metric.WithDescription("cumulative filesystem operations processed"))
	opsLatency, err2 := meter.Float64Histogram("fs/ops_latency", metric.WithDescription("filesystem operation latency"), metric.WithUnit("us"), defaultLatencyBuckets)
	opsErrorCount, err3 := meter.Int64Counter("fs/ops_error_count", metric.WithDescription("cumulative filesystem operation errors"))

	cacheReadCount, err4 := meter.Int64Counter("cache/read_count", metric.WithDescription("chunk reads served per cache tier"))
	cacheReadBytesCount, err5 := meter.Int64Counter("cache/read_bytes_count", metric.WithDescription("bytes served per cache tier"), metric.WithUnit("By"))
	cacheReadLatency, err6 := meter.Float64Histogram("cache/read_latency", metric.WithDescription("chunk read latency per cache tier"), metric.WithUnit("us"), defaultLatencyBuckets)

	lockGrantCount, err7 := meter.Int64Counter("lock/grant_count", metric.WithDescription("cumulative lock grants by kind"))
	lockDenyCount, err8 := meter.Int64Counter("lock/deny_count", metric.WithDescription("cumulative lock denials by reason"))

	requestCount, err9 := meter.Int64Counter("wire/request_count", metric.WithDescription("cumulative wire requests by method"))
	requestLatency, err10 := meter.Float64Histogram("wire/request_latency", metric.WithDescription("wire request round-trip latency"), metric.WithUnit("ms"), defaultLatencyBuckets)
	bytesTransferredCount, err11 := meter.Int64Counter("wire/bytes_transferred_count", metric.WithDescription("cumulative bytes sent or received"), metric.WithUnit("By"))
	inFlightRequests, err12 := meter.Int64UpDownCounter("wire/in_flight_requests", metric.WithDescription("requests currently awaiting a reply"))

	if err := errors.Join(err1, err2, err3, err4, err5, err6, err7, err8, err9, err10, err11, err12); err != nil {
		return nil, err
	}

	return &otelMetrics{
		opsCount: opsCount, opsLatency: opsLatency, opsErrorCount: opsErrorCount,
		cacheReadCount: cacheReadCount, cacheReadBytesCount: cacheReadBytesCount, cacheReadLatency: cacheReadLatency,
		lockGrantCount: lockGrantCount, lockDenyCount: lockDenyCount,
		requestCount: requestCount, requestLatency: requestLatency,
		bytesTransferredCount: bytesTransferredCount, inFlightRequests: inFlightRequests,
	}, nil
}
