// Package observability wires OpenTelemetry tracing and metrics for the
// safety framework: RED metrics for every operation plus safety counters for
// validation verdicts, violations, emergencies and open sessions.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "sanctuary"

// Config configures the providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port of the gRPC collector
	SampleRate     float64
	BatchTimeout   time.Duration
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns defaults with telemetry disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "sanctuary",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
	}
}

// Provider owns the trace and metric pipelines and the instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requests    metric.Int64Counter
	errors      metric.Int64Counter
	duration    metric.Float64Histogram
	inFlight    metric.Int64UpDownCounter
	validations metric.Int64Counter
	violations  metric.Int64Counter
	emergencies metric.Int64Counter
}

// New creates a provider. A disabled config yields instruments bound to the
// global (by default no-op) tracer and meter.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		p.tracer = otel.Tracer(instrumentation)
		p.meter = otel.Meter(instrumentation)
		if err := p.initInstruments(); err != nil {
			return nil, err
		}
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = p.tracerProvider.Tracer(instrumentation, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = p.meterProvider.Meter(instrumentation, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// NewWithProviders builds a provider over caller-owned trace and metric
// providers, for embedding and tests.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	p := &Provider{
		config: DefaultConfig(),
		tracer: tp.Tracer(instrumentation),
		meter:  mp.Meter(instrumentation),
		logger: slog.Default().With("component", "observability"),
	}
	if err := p.initInstruments(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}
	interval := p.config.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.requests, err = p.meter.Int64Counter("sanctuary.requests.total",
		metric.WithDescription("Operations processed"),
		metric.WithUnit("{request}")); err != nil {
		return fmt.Errorf("requests counter: %w", err)
	}
	if p.errors, err = p.meter.Int64Counter("sanctuary.errors.total",
		metric.WithDescription("Operations that returned an error"),
		metric.WithUnit("{error}")); err != nil {
		return fmt.Errorf("errors counter: %w", err)
	}
	if p.duration, err = p.meter.Float64Histogram("sanctuary.request.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5)); err != nil {
		return fmt.Errorf("duration histogram: %w", err)
	}
	if p.inFlight, err = p.meter.Int64UpDownCounter("sanctuary.operations.active",
		metric.WithDescription("Operations in flight"),
		metric.WithUnit("{operation}")); err != nil {
		return fmt.Errorf("in-flight counter: %w", err)
	}
	if p.validations, err = p.meter.Int64Counter("sanctuary.validations.total",
		metric.WithDescription("Content validations by verdict"),
		metric.WithUnit("{validation}")); err != nil {
		return fmt.Errorf("validations counter: %w", err)
	}
	if p.violations, err = p.meter.Int64Counter("sanctuary.violations.total",
		metric.WithDescription("Safety violations by type"),
		metric.WithUnit("{violation}")); err != nil {
		return fmt.Errorf("violations counter: %w", err)
	}
	if p.emergencies, err = p.meter.Int64Counter("sanctuary.emergencies.total",
		metric.WithDescription("Emergency actions by trigger"),
		metric.WithUnit("{emergency}")); err != nil {
		return fmt.Errorf("emergencies counter: %w", err)
	}
	return nil
}

// ObserveSessions registers a gauge reporting the number of open sessions.
// count is called on every collection.
func (p *Provider) ObserveSessions(count func() int) error {
	_, err := p.meter.Int64ObservableGauge("sanctuary.sessions.active",
		metric.WithDescription("Sessions not yet closed"),
		metric.WithUnit("{session}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(count()))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("sessions gauge: %w", err)
	}
	return nil
}

// Shutdown flushes and stops the owned pipelines.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Meter returns the provider's meter.
func (p *Provider) Meter() metric.Meter { return p.meter }

// RecordValidation counts a validation verdict.
func (p *Provider) RecordValidation(ctx context.Context, action string) {
	p.validations.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordViolation counts a safety violation.
func (p *Provider) RecordViolation(ctx context.Context, violationType string) {
	p.violations.Add(ctx, 1, metric.WithAttributes(attribute.String("type", violationType)))
}

// RecordEmergency counts an emergency action.
func (p *Provider) RecordEmergency(ctx context.Context, trigger string) {
	p.emergencies.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// TrackOperation starts a span and RED bookkeeping for name. The returned
// function ends both and must be called exactly once.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	opAttrs := append([]attribute.KeyValue{attribute.String("operation", name)}, attrs...)
	set := metric.WithAttributes(opAttrs...)

	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	p.inFlight.Add(ctx, 1, set)
	p.requests.Add(ctx, 1, set)

	return ctx, func(err error) {
		p.inFlight.Add(ctx, -1, set)
		p.duration.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			span.RecordError(err)
			p.errors.Add(ctx, 1, set)
		}
		span.End()
	}
}
