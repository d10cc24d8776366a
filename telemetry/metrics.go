// Package telemetry wires Carol's operations to OpenTelemetry metric
// instruments, exported via either an OTLP gRPC endpoint or a Prometheus
// /metrics handler. Grounded on the teacher's telemetry/metrics.go: same
// sync.Once init, same reader selection (OTLP, Prometheus, or a no-op
// periodic reader when neither is configured), same meter-provider
// lifecycle — the instrument set itself is rewritten for Carol's get/fetch
// path instead of the teacher's HTTP-proxy and S3-FIFO eviction metrics.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const meterName = "github.com/carol-cache/carol"

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317"). If
	// empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments for the get/fetch path.
type Metrics struct {
	getTotal      metric.Int64Counter
	getDuration   metric.Float64Histogram
	dedupTotal    metric.Int64Counter
	fetchTotal    metric.Int64Counter
	fetchDuration metric.Float64Histogram
	fetchBytes    metric.Int64Counter
	handlesActive metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system. Returns a
// shutdown function to call on application exit. Uses sync.Once so
// repeated calls are safe.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})
	if initErr != nil {
		return nil, initErr
	}
	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "carol"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	getTotal, err := meter.Int64Counter(
		"carol_get_total",
		metric.WithDescription("Total number of get() calls by outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	getDuration, err := meter.Float64Histogram(
		"carol_get_duration_seconds",
		metric.WithDescription("Duration of get() calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return err
	}

	dedupTotal, err := meter.Int64Counter(
		"carol_dedup_total",
		metric.WithDescription("Total number of entries that promoted onto an already-existing blob"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	fetchTotal, err := meter.Int64Counter(
		"carol_fetch_total",
		metric.WithDescription("Total number of fetcher invocations by outcome"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return err
	}

	fetchDuration, err := meter.Float64Histogram(
		"carol_fetch_duration_seconds",
		metric.WithDescription("Duration of fetcher invocations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return err
	}

	fetchBytes, err := meter.Int64Counter(
		"carol_fetch_bytes_total",
		metric.WithDescription("Total bytes read from the fetcher"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	handlesActive, err := meter.Int64Gauge(
		"carol_handles_active",
		metric.WithDescription("Current number of live handles across all entries"),
		metric.WithUnit("{handle}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		getTotal:      getTotal,
		getDuration:   getDuration,
		dedupTotal:    dedupTotal,
		fetchTotal:    fetchTotal,
		fetchDuration: fetchDuration,
		fetchBytes:    fetchBytes,
		handlesActive: handlesActive,
		meterProvider: mp,
		promHandler:   promHandler,
	}

	return nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordGet records the outcome of a get() call: "hit", "miss_leader",
// "miss_follower", or "error".
func RecordGet(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.getTotal.Add(ctx, 1, attrs)
	globalMetrics.getDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordDedup records that a newly promoted entry landed on an
// already-existing blob.
func RecordDedup(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.dedupTotal.Add(ctx, 1)
}

// RecordFetch records one fetcher invocation. outcome is "success",
// "error", or "cancelled".
func RecordFetch(ctx context.Context, outcome string, duration time.Duration, bytesRead int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.fetchTotal.Add(ctx, 1, attrs)
	globalMetrics.fetchDuration.Record(ctx, duration.Seconds(), attrs)
	if bytesRead > 0 {
		globalMetrics.fetchBytes.Add(ctx, bytesRead, attrs)
	}
}

// RecordHandlesActive updates the live-handle gauge. Called by the root
// package whenever a Handle is created or released.
func RecordHandlesActive(ctx context.Context, n int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.handlesActive.Record(ctx, n)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler. It 404s if
// Prometheus export was not enabled, so it is safe to register
// unconditionally.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter discards metrics when neither OTLP nor Prometheus is enabled,
// so instruments still function in tests and minimal deployments.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation { return nil }

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error { return nil }

func (noopExporter) ForceFlush(_ context.Context) error { return nil }

func (noopExporter) Shutdown(_ context.Context) error { return nil }
