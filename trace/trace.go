// Package trace provides tracing instrumentation for the page core.
package trace

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "pagesync"

// liveSpan represents an active span associated with a frame navigation.
//
// Pending operations and console events happen asynchronously to the
// navigation that produced the document they belong to, so the tracer keeps
// the live span of every frame that navigated.
type liveSpan struct {
	ctx  context.Context
	span trace.Span
}

// Tracer generates spans for navigations and pending operations, correlating
// them by the frame they target.
type Tracer struct {
	trace.Tracer

	metadata []attribute.KeyValue

	liveSpansMu sync.RWMutex
	liveSpans   map[string]*liveSpan
}

// NewTracer creates a new Tracer from the given TracerProvider.
func NewTracer(tp trace.TracerProvider, metadata map[string]string, options ...trace.TracerOption) *Tracer {
	return &Tracer{
		Tracer:    tp.Tracer(tracerName, options...),
		metadata:  buildMetadataAttributes(metadata),
		liveSpans: make(map[string]*liveSpan),
	}
}

// NewNoopTracer returns a Tracer that records nothing.
func NewNoopTracer() *Tracer {
	return NewTracer(noop.NewTracerProvider(), nil)
}

// Start overrides the underlying OTEL tracer method to include the tracer metadata.
func (t *Tracer) Start(
	ctx context.Context, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(t.metadata...))
	return t.Tracer.Start(ctx, spanName, opts...)
}

// TraceAPICall adds a new span to the current liveSpan for the given targetID and returns it. It
// is the caller's responsibility to close the generated span.
// If there is not a liveSpan for the given targetID, the new span is created based on the given
// context.
func (t *Tracer) TraceAPICall(
	ctx context.Context, targetID string, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.RLock()
	ls := t.liveSpans[targetID]
	t.liveSpansMu.RUnlock()

	if ls == nil {
		return t.Start(ctx, spanName, opts...)
	}

	return t.Start(ls.ctx, spanName, opts...)
}

// TraceNavigation is only to be used when a frame has navigated to a new document.
// It records a new liveSpan for the given targetID, ending the previous one if any.
// The returned span is ended by the next TraceNavigation or by EndNavigation.
func (t *Tracer) TraceNavigation(
	ctx context.Context, targetID string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	ls := t.liveSpans[targetID]
	if ls != nil {
		ls.span.End()
	} else {
		ls = &liveSpan{}
	}

	ls.ctx, ls.span = t.Start(ctx, "navigation", opts...)
	t.liveSpans[targetID] = ls

	return ls.ctx, ls.span
}

// EndNavigation ends and forgets the liveSpan of targetID, if any.
func (t *Tracer) EndNavigation(targetID string) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	if ls := t.liveSpans[targetID]; ls != nil {
		ls.span.End()
		delete(t.liveSpans, targetID)
	}
}

// TraceEvent creates a span for an event of targetID, associated with the
// current liveSpan of that target. Without a liveSpan a NoopSpan is returned.
func (t *Tracer) TraceEvent(
	ctx context.Context, targetID string, eventName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.RLock()
	ls := t.liveSpans[targetID]
	t.liveSpansMu.RUnlock()

	if ls == nil {
		return ctx, NoopSpan{}
	}

	return t.Start(ls.ctx, eventName, opts...)
}

// SetError marks span as failed with err.
func SetError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func buildMetadataAttributes(metadata map[string]string) []attribute.KeyValue {
	meta := make([]attribute.KeyValue, 0, len(metadata))
	for mk, mv := range metadata {
		meta = append(meta, attribute.String(mk, mv))
	}

	return meta
}

// NoopSpan represents a noop span.
type NoopSpan struct {
	trace.Span
}

// SpanContext returns a void span context.
func (NoopSpan) SpanContext() trace.SpanContext { return trace.SpanContext{} }

// IsRecording returns false.
func (NoopSpan) IsRecording() bool { return false }

// SetStatus is noop.
func (NoopSpan) SetStatus(codes.Code, string) {}

// SetAttributes is noop.
func (NoopSpan) SetAttributes(...attribute.KeyValue) {}

// End is noop.
func (NoopSpan) End(...trace.SpanEndOption) {}

// RecordError is noop.
func (NoopSpan) RecordError(error, ...trace.EventOption) {}

// AddEvent is noop.
func (NoopSpan) AddEvent(string, ...trace.EventOption) {}

// SetName is noop.
func (NoopSpan) SetName(string) {}

// TracerProvider returns a noop tracer provider.
func (NoopSpan) TracerProvider() trace.TracerProvider { return noop.NewTracerProvider() }
