// Package telemetry carries the logging, metrics and tracing used by the
// orchestration core. Production code wires the Clue/OpenTelemetry
// implementations; tests use the no-op ones.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging. keyvals alternate string keys and
	// values.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter and histogram helpers. tags alternate keys and
	// values.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer starts spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}

	// Bundle groups the three signals so components take a single
	// dependency.
	Bundle struct {
		Logger  Logger
		Metrics Metrics
		Tracer  Tracer
	}
)

// Metric names recorded by the core.
const (
	MetricStageDuration   = "conductor.stage.duration"
	MetricStageOutcome    = "conductor.stage.outcome"
	MetricPolicyDenial    = "conductor.policy.denial"
	MetricSessionFlush    = "conductor.session.flush"
	MetricSessionFlushErr = "conductor.session.flush_error"
)

// Noop returns a bundle that discards everything.
func Noop() Bundle {
	return Bundle{Logger: NewNoopLogger(), Metrics: NewNoopMetrics(), Tracer: NewNoopTracer()}
}

// Clue returns a bundle backed by goa.design/clue/log and the global
// OpenTelemetry providers.
func Clue() Bundle {
	return Bundle{Logger: NewClueLogger(), Metrics: NewClueMetrics(), Tracer: NewClueTracer()}
}

// WithDefaults fills unset signals with no-op implementations.
func (b Bundle) WithDefaults() Bundle {
	if b.Logger == nil {
		b.Logger = NewNoopLogger()
	}
	if b.Metrics == nil {
		b.Metrics = NewNoopMetrics()
	}
	if b.Tracer == nil {
		b.Tracer = NewNoopTracer()
	}
	return b
}
