package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry is what a runner process reports through: the run log, spans,
// prometheus metrics and task events. It travels in the context so engine
// code never holds it directly.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	journal io.Closer
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and builds every component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	tel := &Telemetry{Config: cfg}

	var err error
	if tel.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if tel.Tracer, err = NewTracer(cfg); err != nil {
		_ = tel.Logger.Close()
		return nil, err
	}
	if tel.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}
	if tel.Events, err = NewEventPublisher(cfg.Events); err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}
	if cfg.Events.Enabled && cfg.Events.Journal != "" {
		if err := tel.openJournal(cfg.Events); err != nil {
			_ = tel.Shutdown(context.Background())
			return nil, err
		}
	}
	return tel, nil
}

func (t *Telemetry) openJournal(cfg EventsConfig) error {
	f, err := os.OpenFile(cfg.Journal, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event journal: %w", err)
	}
	t.journal = f

	var filter EventFilter
	if cfg.MinLevel != "" {
		filter = FilterByLevel(cfg.MinLevel)
	}
	t.Events.Subscribe(JSONLines(f), filter)
	return nil
}

// WithContext adds the telemetry and its logger to ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryContextKey{}, t))
}

// FromTelemetryContext returns the telemetry carried by ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// MetricsFromContext returns the metrics carried by ctx. The result may be
// nil; every recorder on a nil *Metrics is a no-op.
func MetricsFromContext(ctx context.Context) *Metrics {
	if t := FromTelemetryContext(ctx); t != nil {
		return t.Metrics
	}
	return nil
}

// EventsFromContext returns the event publisher carried by ctx, or nil.
// Publishing on a nil publisher is a no-op.
func EventsFromContext(ctx context.Context) *EventPublisher {
	if t := FromTelemetryContext(ctx); t != nil {
		return t.Events
	}
	return nil
}

// Shutdown drains pending events into the journal, stops the metrics
// server, flushes spans and closes the log file. Every component is shut
// down even if an earlier one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("events: %w", err))
	}
	if err := t.Metrics.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	}
	if t.journal != nil {
		if err := t.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event journal: %w", err))
		}
	}
	if t.Tracer != nil {
		if err := t.Tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer: %w", err))
		}
	}
	if t.Logger != nil {
		if err := t.Logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("logger: %w", err))
		}
	}
	return errors.Join(errs...)
}

// StartMetricsServer serves /metrics when metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer(t.Logger)
}

// InstrumentedContext carries a span, logger and timer for one operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
// Without telemetry in ctx the span is a no-op and the logger comes from ctx.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Span:   trace.SpanFromContext(context.Background()),
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	logger := FromContext(ctx).WithField("operation", operation)
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}

// RecordTargetOperation runs fn as an apply or rollback call against a
// target system, recording a span and metrics around it.
func RecordTargetOperation(ctx context.Context, targetSystemID, operation string, fn func(context.Context) error) error {
	tel := FromTelemetryContext(ctx)

	var span trace.Span
	if tel != nil {
		ctx, span = tel.Tracer.StartTargetSpan(ctx, targetSystemID, operation)
		defer span.End()
	}

	err := fn(ctx)

	if tel != nil {
		tel.Metrics.RecordTargetOperation(targetSystemID, operation, err)
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
	}

	return err
}
