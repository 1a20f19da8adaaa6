package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	serviceName    = "stillpoint"
	serviceVersion = "0.1.0"
)

// Recorder receives session lifecycle measurements.
type Recorder interface {
	SessionStarted(ctx context.Context, template string)
	SessionEnded(ctx context.Context, template string, durationSeconds int, completed bool)
	PhaseEntered(ctx context.Context, kind string)
	ConnectionFailed(ctx context.Context, kind string)
	Close(ctx context.Context) error
}

// Exporter pushes session metrics to an OTLP collector.
type Exporter struct {
	provider      *sdkmetric.MeterProvider
	sessionsTotal metric.Int64Counter
	endedTotal    metric.Int64Counter
	durationHist  metric.Float64Histogram
	phasesTotal   metric.Int64Counter
	failuresTotal metric.Int64Counter
}

// NewExporter creates an OTLP/gRPC metrics exporter.
func NewExporter(ctx context.Context, cfg Config) (*Exporter, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil, fmt.Errorf("telemetry is disabled or endpoint not configured")
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	return newExporter(provider)
}

func newExporter(provider *sdkmetric.MeterProvider) (*Exporter, error) {
	meter := provider.Meter(serviceName)

	sessionsTotal, err := meter.Int64Counter(
		"stillpoint_sessions_started_total",
		metric.WithDescription("Sessions started"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sessions counter: %w", err)
	}

	endedTotal, err := meter.Int64Counter(
		"stillpoint_sessions_ended_total",
		metric.WithDescription("Sessions closed, by completion"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating ended counter: %w", err)
	}

	durationHist, err := meter.Float64Histogram(
		"stillpoint_session_duration_seconds",
		metric.WithDescription("Closed session duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}

	phasesTotal, err := meter.Int64Counter(
		"stillpoint_phase_transitions_total",
		metric.WithDescription("Phases entered, by kind"),
		metric.WithUnit("{phase}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating phase counter: %w", err)
	}

	failuresTotal, err := meter.Int64Counter(
		"stillpoint_connection_failures_total",
		metric.WithDescription("Voice connection failures, by error kind"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating failure counter: %w", err)
	}

	return &Exporter{
		provider:      provider,
		sessionsTotal: sessionsTotal,
		endedTotal:    endedTotal,
		durationHist:  durationHist,
		phasesTotal:   phasesTotal,
		failuresTotal: failuresTotal,
	}, nil
}

func (e *Exporter) SessionStarted(ctx context.Context, template string) {
	e.sessionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("template", template)))
}

func (e *Exporter) SessionEnded(ctx context.Context, template string, durationSeconds int, completed bool) {
	opt := metric.WithAttributes(
		attribute.String("template", template),
		attribute.Bool("completed", completed),
	)
	e.endedTotal.Add(ctx, 1, opt)
	e.durationHist.Record(ctx, float64(durationSeconds), opt)
}

func (e *Exporter) PhaseEntered(ctx context.Context, kind string) {
	e.phasesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (e *Exporter) ConnectionFailed(ctx context.Context, kind string) {
	e.failuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("error_kind", kind)))
}

// Close shuts down the exporter and flushes pending metrics.
func (e *Exporter) Close(ctx context.Context) error {
	return e.provider.Shutdown(ctx)
}

// New returns an Exporter when telemetry is configured, otherwise a NoOp.
func New(ctx context.Context, cfg Config) (Recorder, error) {
	if !cfg.Enabled {
		return NewNoOp(), nil
	}
	exp, err := NewExporter(ctx, cfg)
	if err != nil {
		return NewNoOp(), err
	}
	return exp, nil
}
