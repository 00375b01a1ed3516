// Package telemetry provides observability instrumentation for changeflow runs.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and in-process lifecycle events.
//
// # Usage
//
// Initialize telemetry at startup and carry it in the context:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Engine components never hold telemetry handles of their own. They read the
// logger, metrics and event publisher from the context, so a bare
// context.Background() runs the engine with the global zerolog logger and every
// other pillar disabled.
//
// # Logging
//
//	logger := telemetry.FromContext(ctx).
//	    WithExecutionID(executionID).
//	    WithChangeID("create-users")
//	logger.Info("Applying change")
//
// # Tracing
//
// StartOperation opens a span and derives a logger carrying trace and span
// ids:
//
//	op := telemetry.StartOperation(ctx, "task.execute", telemetry.AttrChangeID.String(id))
//	defer func() { op.End(err) }()
//
// Exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// Metrics are registered on a private registry and exposed by
// StartMetricsServer. Recorders are safe on a nil or disabled *Metrics.
//
// # Events
//
// The EventPublisher delivers run.* and task.* events to subscribers,
// synchronously by default or through a buffered goroutine when Async
// is set.
package telemetry
