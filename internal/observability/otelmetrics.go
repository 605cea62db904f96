package observability

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	"github.com/transitsuite/tspjob/internal/platform/logger"
)

// MetricsSink is the runtime-facing surface the Worker Pool records run
// outcomes through, keeping internal/worker free of any OTel import. It
// covers outcome counts by job/status/attempt and queue depth; it has no
// run-duration method, and nothing in this module calls RecordQueueDepth.
type MetricsSink interface {
	RecordRun(jobName, status string, attempt int)
	RecordQueueDepth(depth int)
}

// otelMetrics is grounded on rezkam-mono/pkg/observability/otel.go's
// InitMeterProvider: a PeriodicReader over an OTLP gRPC exporter, merged
// against the default resource.
type otelMetrics struct {
	runCounter   metric.Int64Counter
	queueGauge   metric.Int64Gauge
	durationHist metric.Float64Histogram
	shutdown     func(context.Context) error
}

var (
	metricsOnce sync.Once
	metricsImpl MetricsSink = noopMetrics{}
)

// InitMeterProvider mirrors InitOTel's enablement gate: disabled unless
// OTEL_ENABLED is set, falling back to a no-op sink otherwise so callers
// never need a nil check.
func InitMeterProvider(ctx context.Context, log *logger.Logger, cfg OtelConfig) (MetricsSink, func(context.Context) error) {
	var shutdown func(context.Context) error = func(context.Context) error { return nil }
	metricsOnce.Do(func() {
		if !otelEnabled() {
			return
		}
		serviceName := strings.TrimSpace(cfg.ServiceName)
		if serviceName == "" {
			serviceName = "tspjob"
		}
		res, err := resource.Merge(resource.Default(), newServiceResource(serviceName, cfg))
		if err != nil && log != nil {
			log.Warn("otel metrics resource merge failed (continuing)", "error", err)
		}

		opts := []otlpmetricgrpc.Option{}
		if endpoint := otelEndpoint(); endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		if otelInsecure() {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		if headers := otelHeaders(); headers != nil {
			opts = append(opts, otlpmetricgrpc.WithHeaders(headers))
		}

		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			if log != nil {
				log.Warn("otel metric exporter init failed (continuing with noop)", "error", err)
			}
			return
		}

		reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
		otel.SetMeterProvider(provider)

		meter := provider.Meter("tspjob/worker")
		runCounter, _ := meter.Int64Counter("tspjob.run.outcomes", metric.WithDescription("count of runs by job name and terminal status"))
		queueGauge, _ := meter.Int64Gauge("tspjob.dispatcher.queue_depth", metric.WithDescription("pending fire-heap depth"))
		durationHist, _ := meter.Float64Histogram("tspjob.run.duration_seconds", metric.WithDescription("wall-clock run duration"))

		impl := &otelMetrics{runCounter: runCounter, queueGauge: queueGauge, durationHist: durationHist, shutdown: provider.Shutdown}
		metricsImpl = impl
		shutdown = provider.Shutdown
		if log != nil {
			log.Info("otel metrics initialized", "service", serviceName)
		}
	})
	return metricsImpl, shutdown
}

func (m *otelMetrics) RecordRun(jobName, status string, attempt int) {
	m.runCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("job_name", jobName),
			attribute.String("status", status),
			attribute.Int("attempt", attempt),
		))
}

func (m *otelMetrics) RecordQueueDepth(depth int) {
	m.queueGauge.Record(context.Background(), int64(depth))
}

type noopMetrics struct{}

func (noopMetrics) RecordRun(string, string, int) {}
func (noopMetrics) RecordQueueDepth(int)          {}

func newServiceResource(serviceName string, cfg OtelConfig) *resource.Resource {
	r, _ := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			attribute.String("deployment.environment", strings.TrimSpace(cfg.Environment)),
			semconv.ServiceVersionKey.String(strings.TrimSpace(cfg.Version)),
		),
	)
	return r
}
