// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

// Package tracing wraps OpenTelemetry tracing in a small API. Spans started
// here follow the context chain; SpanMeta carries a span identity across
// boundaries where a context cannot flow, such as messages posted back to an
// event loop from an async task.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "freshet"

// Span is a thin wrapper around an OpenTelemetry span.
type Span struct {
	otel trace.Span
}

// Finish marks the span as complete. Finish is idempotent on a nil receiver
// so callers can unconditionally defer it.
func (sp *Span) Finish() {
	if sp == nil || sp.otel == nil {
		return
	}
	sp.otel.End()
}

// RecordError records err as an event on the span.
func (sp *Span) RecordError(err error) {
	if sp == nil || sp.otel == nil || err == nil {
		return
	}
	sp.otel.RecordError(err)
}

// Meta returns the information which needs to be conveyed to make the
// span a parent across a non-context boundary.
func (sp *Span) Meta() SpanMeta {
	if sp == nil || sp.otel == nil {
		return SpanMeta{}
	}
	return SpanMeta{sc: sp.otel.SpanContext()}
}

// SpanMeta is a serializable form of a span's identity.
type SpanMeta struct {
	sc trace.SpanContext
}

// Empty returns true if the meta carries no span.
func (sm SpanMeta) Empty() bool { return !sm.sc.IsValid() }

// SpanMetaFromContext captures the identity of the span in ctx, if any.
func SpanMetaFromContext(ctx context.Context) SpanMeta {
	return SpanMeta{sc: trace.SpanContextFromContext(ctx)}
}

// ChildSpan starts a span named opName as a child of the span in ctx and
// returns a derived context containing it.
func ChildSpan(ctx context.Context, opName string) (context.Context, *Span) {
	ctx, otelSpan := otel.Tracer(tracerName).Start(ctx, opName)
	return ctx, &Span{otel: otelSpan}
}

// ChildSpanFromMeta starts a span named opName whose parent is the remote
// span described by meta. An empty meta starts a root span.
func ChildSpanFromMeta(ctx context.Context, opName string, meta SpanMeta) (context.Context, *Span) {
	if !meta.Empty() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, meta.sc)
	}
	return ChildSpan(ctx, opName)
}
