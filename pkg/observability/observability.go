// Package observability wires OpenTelemetry tracing and Prometheus RED
// metrics (Rate, Errors, Duration) for the Governor.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures tracing. Metrics are registered against the
// Provider's own Prometheus registry regardless of whether tracing is
// enabled.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	Insecure       bool
}

// Provider holds the tracer and the RED metric instruments used by the
// Coordinator and the HTTP layer.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	logger         *slog.Logger
	registry       *prometheus.Registry

	actionsTotal   *prometheus.CounterVec
	decisionsTotal *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	durationHist   *prometheus.HistogramVec
	activeActions  prometheus.Gauge
}

// New constructs a Provider. If cfg.OTLPEndpoint is empty, tracing is
// skipped and a no-op tracer is used — metrics are registered either
// way since promhttp serves them locally with no external dependency.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = &Config{ServiceName: "governor", ServiceVersion: "0.1.0", Environment: "development"}
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	p := &Provider{
		config:   cfg,
		logger:   slog.Default().With("component", "observability"),
		registry: registry,

		actionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "governor",
			Name:      "actions_total",
			Help:      "Total number of actions submitted, by tool and operation.",
		}, []string{"tool", "operation"}),

		decisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "governor",
			Name:      "policy_decisions_total",
			Help:      "Total number of policy decisions, by decision and risk level.",
		}, []string{"decision", "risk_level"}),

		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "governor",
			Name:      "errors_total",
			Help:      "Total number of errors encountered while governing actions.",
		}, []string{"kind"}),

		durationHist: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "governor",
			Name:      "action_duration_seconds",
			Help:      "Time from submission to terminal status, in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300},
		}, []string{"tool", "status"}),

		activeActions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "governor",
			Name:      "actions_in_flight",
			Help:      "Number of actions currently in executing status.",
		}),
	}

	if cfg.OTLPEndpoint == "" {
		p.logger.InfoContext(ctx, "tracing disabled: no OTLP endpoint configured")
		p.tracer = otel.Tracer("governor")
		return p, nil
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
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: create trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	p.tracer = otel.Tracer("governor", trace.WithInstrumentationVersion(cfg.ServiceVersion))

	p.logger.InfoContext(ctx, "tracing initialized", "endpoint", cfg.OTLPEndpoint)
	return p, nil
}

// Shutdown flushes and closes the trace provider, if one was started.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider == nil {
		return nil
	}
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("observability: shutdown trace provider: %w", err)
	}
	return nil
}

// Tracer returns the configured tracer, or a no-op one pre-Shutdown.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("governor")
	}
	return p.tracer
}

// StartSpan starts a span under the Governor's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// MetricsHandler exposes the Prometheus text format at /metrics, scoped
// to this Provider's own registry rather than the global default one so
// multiple Providers (e.g. in tests) never collide on metric names.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// RecordSubmitted increments the actions-submitted counter.
func (p *Provider) RecordSubmitted(tool, operation string) {
	p.actionsTotal.WithLabelValues(tool, operation).Inc()
}

// RecordDecision increments the policy-decision counter.
func (p *Provider) RecordDecision(decision, riskLevel string) {
	p.decisionsTotal.WithLabelValues(decision, riskLevel).Inc()
}

// RecordError increments the error counter for a given error kind
// (e.g. "store", "policy", "executor").
func (p *Provider) RecordError(kind string) {
	p.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordTerminal records the total action duration at its terminal
// status. It does not touch the in-flight gauge; callers use DecActive
// for that.
func (p *Provider) RecordTerminal(tool, status string, d time.Duration) {
	p.durationHist.WithLabelValues(tool, status).Observe(d.Seconds())
}

// IncActive/DecActive track the in-flight gauge across Start/terminal
// transitions.
func (p *Provider) IncActive() { p.activeActions.Inc() }
func (p *Provider) DecActive() { p.activeActions.Dec() }

// TrackSpan is a convenience wrapper: it starts a span, runs fn, and
// records the error on the span before ending it.
func (p *Provider) TrackSpan(ctx context.Context, name string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	ctx, span := p.StartSpan(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
