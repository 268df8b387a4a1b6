package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attributes below feed metrics, so they stay bounded: call kinds,
// subsystem names and statuses only. Handles, keys, paths and URLs belong in
// logs.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span named operationName.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	span.SetAttributes(
		attribute.String("status", statusOf(err)),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	if err != nil {
		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

// InstrumentNativeCall instruments one helper round trip of the given kind.
func (t *Telemetry) InstrumentNativeCall(ctx context.Context, kind string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.AddPendingCalls(1)
	defer t.AddPendingCalls(-1)

	err := t.InstrumentOperation(ctx, "native_"+kind, "helper", fn)

	t.RecordNativeCall(kind, statusOf(err), time.Since(start))

	return err
}

// InstrumentSubsystemOperation instruments download subsystem operations.
func (t *Telemetry) InstrumentSubsystemOperation(ctx context.Context, subsystem, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "subsystem_"+operation, "download_subsystem", func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("subsystem.type", subsystem))

		return fn(ctx)
	})

	t.RecordSubsystemOperation(subsystem, operation, statusOf(err))

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(operation, statusOf(err), time.Since(start))

	return err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
