package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// scopeName identifies this module to the global OTEL providers.
const scopeName = "github.com/rik9564/browsecraft"

// ClueLogger delegates to goa.design/clue/log, reading format and debug
// settings from the context (log.Context / log.WithFormat / log.WithDebug).
type ClueLogger struct{}

// NewClueLogger constructs a Logger that delegates to goa.design/clue/log.
func NewClueLogger() Logger { return ClueLogger{} }

func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, clueFields(msg, keyvals)...)
}

func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, clueFields(msg, keyvals)...)
}

func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, clueFields(msg, keyvals)...)
}

func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, firstError(keyvals), clueFields(msg, keyvals)...)
}

// clueFields prefixes the message and folds (k, v) pairs into clue's
// Fielder slice. Non-string keys are stringified rather than dropped; a
// trailing key with no value gets nil.
func clueFields(msg string, keyvals []any) []log.Fielder {
	fields := make([]log.Fielder, 0, len(keyvals)/2+1)
	fields = append(fields, log.KV{K: "msg", V: msg})
	for i := 0; i < len(keyvals); i += 2 {
		kv := log.KV{K: fmt.Sprint(keyvals[i])}
		if i+1 < len(keyvals) {
			kv.V = keyvals[i+1]
		}
		fields = append(fields, kv)
	}
	return fields
}

// firstError pulls the first error-typed value out of keyvals so clue
// renders it as the entry's error instead of an opaque field.
func firstError(keyvals []any) error {
	for i := 1; i < len(keyvals); i += 2 {
		if err, ok := keyvals[i].(error); ok {
			return err
		}
	}
	return nil
}

// ClueMetrics records through OTEL instruments, creating each instrument
// once per name and caching it for reuse. Configure the global
// MeterProvider before use.
type ClueMetrics struct {
	meter metric.Meter

	mu sync.Mutex
	counters map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	gauges map[string]metric.Float64Gauge
}

// NewClueMetrics constructs a Metrics recorder backed by the global OTEL
// MeterProvider.
func NewClueMetrics() Metrics {
	return &ClueMetrics{
		meter: otel.Meter(scopeName),
		counters: make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges: make(map[string]metric.Float64Gauge),
	}
}

// IncCounter adds value to the named counter.
func (m *ClueMetrics) IncCounter(name string, value float64, tags ...string) {
	m.mu.Lock()
	c, ok := m.counters[name]
	if !ok {
		var err error
		if c, err = m.meter.Float64Counter(name); err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = c
	}
	m.mu.Unlock()
	c.Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

// RecordTimer records duration, in seconds, on the named histogram.
func (m *ClueMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	m.mu.Lock()
	h, ok := m.histograms[name]
	if !ok {
		var err error
		if h, err = m.meter.Float64Histogram(name); err != nil {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = h
	}
	m.mu.Unlock()
	h.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagAttrs(tags)...))
}

// RecordGauge sets the named synchronous gauge to value.
func (m *ClueMetrics) RecordGauge(name string, value float64, tags ...string) {
	m.mu.Lock()
	g, ok := m.gauges[name]
	if !ok {
		var err error
		if g, err = m.meter.Float64Gauge(name); err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = g
	}
	m.mu.Unlock()
	g.Record(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

// tagAttrs converts ("k1", "v1", "k2", "v2", ...) tag pairs into OTEL
// attributes. A trailing key with no value is dropped.
func tagAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}

// ClueTracer creates spans through the global OTEL TracerProvider.
type ClueTracer struct {
	tracer trace.Tracer
}

// NewClueTracer constructs a Tracer backed by the global OTEL
// TracerProvider.
func NewClueTracer() Tracer { return ClueTracer{tracer: otel.Tracer(scopeName)} }

// Start opens a span and returns the derived context plus its handle.
func (t ClueTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, sp := t.tracer.Start(ctx, name, opts...)
	return ctx, clueSpan{span: sp}
}

type clueSpan struct {
	span trace.Span
}

func (s clueSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }

// AddEvent attaches an event with (k, v) pairs stringified into
// attributes.
func (s clueSpan) AddEvent(name string, attrs ...any) {
	kvs := make([]attribute.KeyValue, 0, len(attrs)/2)
	for i := 0; i+1 < len(attrs); i += 2 {
		kvs = append(kvs, attribute.String(fmt.Sprint(attrs[i]), fmt.Sprint(attrs[i+1])))
	}
	s.span.AddEvent(name, trace.WithAttributes(kvs...))
}

func (s clueSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s clueSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}
