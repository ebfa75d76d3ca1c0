// Package tracing handles opentracing support for the filter chain.
package tracing

import (
	ot "github.com/opentracing/opentracing-go"
)

// CustomTagMap holds the custom tags evaluated for a stream, applied
// to the stream's active span.
type CustomTagMap map[string]string

// ApplyTags sets every tag of the map on span. A nil span or map is
// tolerated.
func ApplyTags(span ot.Span, tags CustomTagMap) {
	if span == nil {
		return
	}

	for k, v := range tags {
		span.SetTag(k, v)
	}
}

var nullSpan = (&ot.NoopTracer{}).StartSpan("")

// NullSpan returns a reusable no-op span for streams without an
// active trace.
func NullSpan() ot.Span {
	return nullSpan
}

// LogError logs an error event on the span and marks it failed.
func LogError(span ot.Span, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetTag("error", true)
	span.LogKV("event", "error", "message", err.Error())
}
