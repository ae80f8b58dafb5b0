// Package observability exports RED metrics (rate, errors, duration) for
// aggregate mutations and outbox delivery over OTLP. The invariant counters
// in pkg/invariants stay separate on purpose: they are the rollout gate's
// input and must not depend on a collector being reachable.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the metrics provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC endpoint, e.g. "localhost:4317"; empty disables export
	ExportInterval time.Duration
	Insecure       bool
}

// DefaultConfig returns the defaults used by the fincore binaries.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "fincore",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		ExportInterval: 15 * time.Second,
	}
}

// Provider owns the meter provider and the RED instruments.
type Provider struct {
	cfg           Config
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger

	mutations    metric.Int64Counter
	errors       metric.Int64Counter
	durationHist metric.Float64Histogram
	outboxDrain  metric.Int64Counter
}

// New builds a provider. With an empty OTLPEndpoint it is a no-op: the
// instruments exist but nothing is exported, so callers never branch.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	p := &Provider{cfg: cfg, logger: logger.With("component", "observability")}

	if cfg.OTLPEndpoint == "" {
		p.logger.Info("metrics export disabled, no OTLP endpoint")
		p.meter = otel.Meter("fincore")
		return p, p.initInstruments()
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = DefaultConfig().ExportInterval
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(interval),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = otel.Meter("fincore", metric.WithInstrumentationVersion(cfg.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.logger.Info("metrics export enabled",
		"endpoint", cfg.OTLPEndpoint, "interval", interval)
	return p, nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.mutations, err = p.meter.Int64Counter("fincore.mutations.total",
		metric.WithDescription("Aggregate mutations attempted"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return err
	}
	p.errors, err = p.meter.Int64Counter("fincore.errors.total",
		metric.WithDescription("Failed operations by type"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("fincore.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	if err != nil {
		return err
	}
	p.outboxDrain, err = p.meter.Int64Counter("fincore.outbox.drained.total",
		metric.WithDescription("Outbox messages drained by outcome"),
		metric.WithUnit("{message}"),
	)
	return err
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

// TrackMutation instruments one controller mutation. The returned func
// records duration and outcome.
func (p *Provider) TrackMutation(ctx context.Context, tenantID string) func(error) {
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("tenant", tenantID))
	p.mutations.Add(ctx, 1, attrs)

	return func(err error) {
		p.durationHist.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("tenant", tenantID),
				attribute.String("operation", "mutate"),
			))
		if err != nil {
			p.errors.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tenant", tenantID),
				attribute.String("error.type", fmt.Sprintf("%T", err)),
			))
		}
	}
}

// RecordDrain records one outbox drain pass outcome breakdown.
func (p *Provider) RecordDrain(ctx context.Context, published, rescheduled, deadLetters int) {
	p.outboxDrain.Add(ctx, int64(published),
		metric.WithAttributes(attribute.String("outcome", "published")))
	p.outboxDrain.Add(ctx, int64(rescheduled),
		metric.WithAttributes(attribute.String("outcome", "rescheduled")))
	p.outboxDrain.Add(ctx, int64(deadLetters),
		metric.WithAttributes(attribute.String("outcome", "dead_letter")))
}
