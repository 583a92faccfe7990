// Package obs wires the ambient observability stack: a prometheus
// registry exposed over HTTP, and an OTel meter backed by the
// prometheus exporter, following the teacher's declared
// prometheus/client_golang + go.opentelemetry.io/otel dependency pair.
//
// Nothing in spec.md requires metrics; this is carried as ambient
// infrastructure the way the teacher instruments its own services (see
// DESIGN.md).
package obs

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the counters and histograms the worker and task processor
// emit during normal operation, plus the tracer used to span LLM calls
// and store CAS operations.
type Metrics struct {
	provider      *sdkmetric.MeterProvider
	traceProvider *sdktrace.TracerProvider
	tracer        trace.Tracer

	ClaimsWon      metric.Int64Counter
	ClaimsEmpty    metric.Int64Counter
	BatchLatency   metric.Float64Histogram
	BatchRetries   metric.Int64Counter
	TasksCompleted metric.Int64Counter
	TasksErrored   metric.Int64Counter
}

// New constructs the OTel meter provider backed by the prometheus
// exporter and registers the instruments used throughout the system. A
// tracer provider is also installed globally (with no exporter attached,
// ready for one to be wired in by the deployment environment) so span
// creation at call sites is real instrumentation rather than a no-op.
func New() (*Metrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("obs: create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("articlescreen")

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	tracer := tp.Tracer("articlescreen")

	m := &Metrics{provider: provider, traceProvider: tp, tracer: tracer}

	if m.ClaimsWon, err = meter.Int64Counter("articlescreen.claims_won",
		metric.WithDescription("tasks successfully claimed by a worker")); err != nil {
		return nil, err
	}
	if m.ClaimsEmpty, err = meter.Int64Counter("articlescreen.claims_empty",
		metric.WithDescription("claim attempts that found no eligible task")); err != nil {
		return nil, err
	}
	if m.BatchLatency, err = meter.Float64Histogram("articlescreen.batch_latency_seconds",
		metric.WithDescription("wall time of one batch screening call")); err != nil {
		return nil, err
	}
	if m.BatchRetries, err = meter.Int64Counter("articlescreen.batch_retries",
		metric.WithDescription("batch retry attempts")); err != nil {
		return nil, err
	}
	if m.TasksCompleted, err = meter.Int64Counter("articlescreen.tasks_completed",
		metric.WithDescription("tasks reaching a terminal done state")); err != nil {
		return nil, err
	}
	if m.TasksErrored, err = meter.Int64Counter("articlescreen.tasks_errored",
		metric.WithDescription("tasks reaching a terminal error state")); err != nil {
		return nil, err
	}

	return m, nil
}

// Handler returns the HTTP handler exposing the default prometheus
// registry at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Tracer returns the tracer used to span LLM calls and store CAS
// operations.
func (m *Metrics) Tracer() trace.Tracer {
	return m.tracer
}

// Shutdown flushes and stops the meter and tracer providers.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if err := m.traceProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("obs: shutdown tracer provider: %w", err)
	}
	return m.provider.Shutdown(ctx)
}
