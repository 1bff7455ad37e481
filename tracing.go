package ledgerpipe

import "context"

// Tracer is the observability boundary of the pipeline. A span is started
// around every network attempt; the implementation (OpenTelemetry export,
// log sink, test recorder) lives outside this package.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Span receives attributes and outcomes for one attempt. End must be
// called exactly once per span.
type Span interface {
	SetAttribute(key string, value interface{})
	RecordError(err error)
	End()
}

// NoopTracer discards all spans. It is the default.
type NoopTracer struct{}

func (NoopTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) SetAttribute(string, interface{}) {}
func (noopSpan) RecordError(error)                {}
func (noopSpan) End()                             {}
