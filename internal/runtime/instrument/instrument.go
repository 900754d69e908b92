// Package instrument wraps a unit of work in an OpenTelemetry span and a
// timer.
package instrument

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is used when callers do not supply a tracer.
const TracerName = "github.com/drblury/outboxflow"

// Scope is an open span plus its start time. Finish it exactly once, usually
// with defer.
type Scope struct {
	span  trace.Span
	start time.Time
	now   func() time.Time
}

// Start opens a span named name. A nil tracer falls back to the global
// provider.
func Start(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, *Scope) {
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &Scope{span: span, start: time.Now(), now: time.Now}
}

// Span exposes the underlying span for extra attributes or events.
func (s *Scope) Span() trace.Span { return s.span }

// Finish records err on the span, ends it and returns the elapsed time.
func (s *Scope) Finish(err error) time.Duration {
	elapsed := s.now().Sub(s.start)
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
	return elapsed
}

// Measure runs fn inside a scope. A panic in fn is recovered and returned as
// a *PanicError so callers see it like any other failure.
func Measure(ctx context.Context, tracer trace.Tracer, name string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) (elapsed time.Duration, err error) {
	ctx, scope := Start(ctx, tracer, name, attrs...)
	defer func() {
		if r := recover(); r != nil {
			scope.span.SetAttributes(attribute.Bool("panic", true))
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
		elapsed = scope.Finish(err)
	}()
	err = fn(ctx)
	return elapsed, err
}

// PanicError carries a value recovered from a panicking unit of work.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string { return fmt.Sprint("panic: ", p.Value) }

// Unwrap exposes the recovered value when it was an error.
func (p *PanicError) Unwrap() error {
	if err, ok := p.Value.(error); ok {
		return err
	}
	return nil
}
