// Package otelsink implements telemetry.Sink on top of OpenTelemetry
// tracing and metrics, grounded on fyrsmithlabs-contextd's use of
// go.opentelemetry.io/otel for span/metric instrumentation —adapted
// here from contextd's ingestion pipeline spans to TAB's conversation
// and turn spans (spec.md §4.7). Every span is started from
// context.Background(), so spans are not linked as parent and child.
package otelsink

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/coyaSONG/tab/telemetry"
)

// Sink adapts an OpenTelemetry Tracer and Meter to telemetry.Sink.
// Span handles are opaque strings mapping to live trace.Span values
// held in an internal registry, since telemetry.Sink's interface
// passes handles by value across calls.
type Sink struct {
	tracer trace.Tracer
	meter  metric.Meter

	mu    sync.Mutex
	spans map[telemetry.SpanHandle]trace.Span
	next  int

	counters sync.Map // name -> metric.Float64Counter
}

// New constructs an otelsink.Sink from a configured Tracer and Meter.
// Construction of the underlying TracerProvider/MeterProvider (the
// exporter, the resource, the batching) is the deployment's concern,
// not the core's.
func New(tracer trace.Tracer, meter metric.Meter) *Sink {
	return &Sink{tracer: tracer, meter: meter, spans: make(map[telemetry.SpanHandle]trace.Span)}
}

func toAttrs(attrs map[string]string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		out = append(out, attribute.String(k, v))
	}
	return out
}

// StartSpan opens a new span and returns an opaque handle for it.
func (s *Sink) StartSpan(name string, attrs map[string]string) telemetry.SpanHandle {
	_, span := s.tracer.Start(context.Background(), name, trace.WithAttributes(toAttrs(attrs)...))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	handle := telemetry.SpanHandle(name + "#" + itoa(s.next))
	s.spans[handle] = span
	return handle
}

// AddEvent records a point-in-time event on an open span.
func (s *Sink) AddEvent(handle telemetry.SpanHandle, name string, attrs map[string]string) {
	s.mu.Lock()
	span, ok := s.spans[handle]
	s.mu.Unlock()
	if !ok {
		return
	}
	span.AddEvent(name, trace.WithAttributes(toAttrs(attrs)...))
}

// EndSpan closes a span with the given terminal status.
func (s *Sink) EndSpan(handle telemetry.SpanHandle, status telemetry.SpanStatus) {
	s.mu.Lock()
	span, ok := s.spans[handle]
	if ok {
		delete(s.spans, handle)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if status == telemetry.SpanError {
		span.SetStatus(codes.Error, "")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// RecordMetric records a counter observation. TAB's metrics are all
// monotonic counts (turns, failures, policy blocks); a deployment
// wanting gauges or histograms can wrap Sink or use promsink instead.
func (s *Sink) RecordMetric(name string, value float64, attrs map[string]string) {
	c, _ := s.counters.LoadOrStore(name, mustCounter(s.meter, name))
	counter := c.(metric.Float64Counter)
	counter.Add(context.Background(), value, metric.WithAttributes(toAttrs(attrs)...))
}

// mustCounter registers a counter instrument. A malformed metric name
// is a programmer error, not a runtime condition the core should
// recover from.
func mustCounter(meter metric.Meter, name string) metric.Float64Counter {
	c, err := meter.Float64Counter(name)
	if err != nil {
		panic("otelsink: invalid metric name " + name + ": " + err.Error())
	}
	return c
}

// Log discards the message. otelsink has no log exporter of its own;
// callers pair it with a zap core elsewhere, so Log exists only for
// interface completeness.
func (s *Sink) Log(level telemetry.LogLevel, message string, attrs map[string]string) {}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
