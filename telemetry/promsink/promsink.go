// Package promsink implements telemetry.Sink's RecordMetric surface
// on top of github.com/prometheus/client_golang, grounded on
// fyrsmithlabs-contextd's Prometheus wiring — adapted here from
// contextd's ingestion-rate gauges to TAB's turn/policy/adapter
// counters (spec.md §4.7). Spans and structured logs are delegated to
// a wrapped telemetry.Sink, since Prometheus has no span concept.
package promsink

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coyaSONG/tab/telemetry"
)

// Sink records metrics as Prometheus counters and delegates spans and
// logs to an underlying telemetry.Sink.
type Sink struct {
	registry *prometheus.Registry
	delegate telemetry.Sink

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
}

// New constructs a promsink.Sink registering metrics against
// registry. delegate handles spans and logs; pass telemetry.NopSink{}
// if the deployment only wants Prometheus metrics.
func New(registry *prometheus.Registry, delegate telemetry.Sink) *Sink {
	if delegate == nil {
		delegate = telemetry.NopSink{}
	}
	return &Sink{registry: registry, delegate: delegate, counters: make(map[string]*prometheus.CounterVec)}
}

func (s *Sink) StartSpan(name string, attrs map[string]string) telemetry.SpanHandle {
	return s.delegate.StartSpan(name, attrs)
}

func (s *Sink) AddEvent(span telemetry.SpanHandle, name string, attrs map[string]string) {
	s.delegate.AddEvent(span, name, attrs)
}

func (s *Sink) EndSpan(span telemetry.SpanHandle, status telemetry.SpanStatus) {
	s.delegate.EndSpan(span, status)
}

func (s *Sink) Log(level telemetry.LogLevel, message string, attrs map[string]string) {
	s.delegate.Log(level, message, attrs)
}

// RecordMetric increments a counter vector keyed by attrs' keys. The
// first call for a given name fixes its label set; subsequent calls
// with a different label set are dropped rather than panicking, since
// a core operating under a session deadline must never be taken down
// by a metrics mismatch.
func (s *Sink) RecordMetric(name string, value float64, attrs map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cv, ok := s.counters[name]
	if !ok {
		labels := make([]string, 0, len(attrs))
		for k := range attrs {
			labels = append(labels, k)
		}
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labels)
		if err := s.registry.Register(cv); err != nil {
			return
		}
		s.counters[name] = cv
	}

	counter, err := cv.GetMetricWith(attrs)
	if err != nil {
		return
	}
	counter.Add(value)
}
