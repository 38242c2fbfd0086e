// Package o11y defines the small metrics and tracing surface the resilience
// layer records against. Providers are optional everywhere: a nil provider
// means no instrumentation, and callers never need nil checks because Nop
// implementations are available.
//
// Instruments recorded by the library:
//
//	tether_http_requests_total          counter   (method, status)
//	tether_http_retries_total           counter   (method)
//	tether_http_request_duration_seconds histogram (method)
//	tether_offline_queue_depth          gauge
//	tether_offline_replayed_total       counter   (status)
//	tether_push_reconnect_attempts_total counter
//	tether_push_events_total            counter   (event)
//	tether_probe_results_total          counter   (result)
//	tether_token_refreshes_total        counter   (status)
package o11y

import "context"

// MetricsProvider creates named instruments. Implementations may back them
// with OpenTelemetry, Prometheus, or anything else.
type MetricsProvider interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
	Gauge(name string) Gauge
}

// TracingProvider starts spans around operations worth timing end to end.
type TracingProvider interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Counter is a monotonically increasing metric.
type Counter interface {
	Add(ctx context.Context, value int64, labels ...Label)
}

// Histogram records a distribution of values.
type Histogram interface {
	Record(ctx context.Context, value float64, labels ...Label)
}

// Gauge is a value that can go up and down.
type Gauge interface {
	Set(ctx context.Context, value float64, labels ...Label)
}

// Span is a unit of work in a trace.
type Span interface {
	SetAttributes(labels ...Label)
	SetStatus(code SpanStatusCode, description string)
	End()
}

// Label is a key-value pair attached to metrics and spans.
type Label struct {
	Key   string
	Value string
}

// SpanStatusCode mirrors the usual unset/ok/error trichotomy.
type SpanStatusCode int

const (
	SpanStatusUnset SpanStatusCode = iota
	SpanStatusOK
	SpanStatusError
)

// NopMetrics is a MetricsProvider whose instruments discard everything.
type NopMetrics struct{}

func (NopMetrics) Counter(string) Counter     { return nopInstrument{} }
func (NopMetrics) Histogram(string) Histogram { return nopInstrument{} }
func (NopMetrics) Gauge(string) Gauge         { return nopInstrument{} }

type nopInstrument struct{}

func (nopInstrument) Add(context.Context, int64, ...Label)      {}
func (nopInstrument) Record(context.Context, float64, ...Label) {}
func (nopInstrument) Set(context.Context, float64, ...Label)    {}
