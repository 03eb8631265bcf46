// Package observability provides OpenTelemetry metrics for the trust
// engine: authentication outcomes, access verdicts, policy evaluation
// latency, and audit chain growth.
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

// Config configures metric export.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // e.g. "localhost:4317"
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns local development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "trust-engine",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   "localhost:4317",
		Insecure:       true,
	}
}

// Provider owns the meter provider and the engine's instruments.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	logger        *slog.Logger

	challengesIssued metric.Int64Counter
	authOutcomes     metric.Int64Counter
	accessVerdicts   metric.Int64Counter
	evalDuration     metric.Float64Histogram
	auditAppends     metric.Int64Counter
}

// New creates a provider. When disabled it records against the global
// (no-op) meter and exports nothing.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if config.Enabled {
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("observability: resource: %w", err)
		}

		opts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
		}
		if config.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("observability: otlp exporter: %w", err)
		}

		p.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		)
		otel.SetMeterProvider(p.meterProvider)
	}

	if err := p.initInstruments(otel.Meter("trust-engine")); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initInstruments(meter metric.Meter) error {
	var err error
	if p.challengesIssued, err = meter.Int64Counter("atp.challenges.issued",
		metric.WithDescription("Challenges issued")); err != nil {
		return fmt.Errorf("observability: instrument: %w", err)
	}
	if p.authOutcomes, err = meter.Int64Counter("atp.auth.outcomes",
		metric.WithDescription("Authentication attempts by outcome")); err != nil {
		return fmt.Errorf("observability: instrument: %w", err)
	}
	if p.accessVerdicts, err = meter.Int64Counter("atp.access.verdicts",
		metric.WithDescription("Access checks by verdict")); err != nil {
		return fmt.Errorf("observability: instrument: %w", err)
	}
	if p.evalDuration, err = meter.Float64Histogram("atp.policy.eval_duration_ms",
		metric.WithDescription("Policy graph evaluation latency"),
		metric.WithUnit("ms")); err != nil {
		return fmt.Errorf("observability: instrument: %w", err)
	}
	if p.auditAppends, err = meter.Int64Counter("atp.audit.appends",
		metric.WithDescription("Audit records appended")); err != nil {
		return fmt.Errorf("observability: instrument: %w", err)
	}
	return nil
}

// RecordChallengeIssued counts one issued challenge.
func (p *Provider) RecordChallengeIssued(ctx context.Context) {
	p.challengesIssued.Add(ctx, 1)
}

// RecordAuthOutcome counts one authentication attempt.
func (p *Provider) RecordAuthOutcome(ctx context.Context, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	p.authOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordVerdict counts one access check by verdict and tool.
func (p *Provider) RecordVerdict(ctx context.Context, tool, verdict string) {
	p.accessVerdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("verdict", verdict),
	))
}

// RecordEvalDuration records one policy evaluation latency.
func (p *Provider) RecordEvalDuration(ctx context.Context, d time.Duration) {
	p.evalDuration.Record(ctx, float64(d.Microseconds())/1000.0)
}

// RecordAuditAppend counts one audit record.
func (p *Provider) RecordAuditAppend(ctx context.Context) {
	p.auditAppends.Add(ctx, 1)
}

// Shutdown flushes and stops metric export.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("observability: shutdown: %w", err)
	}
	return nil
}
