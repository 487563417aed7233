// Package observe instruments calls: OpenTelemetry metrics for stage
// latencies and provider health, call and turn spans, trace-aware loggers,
// and the HTTP middleware in front of the webhook and media routes.
//
// [Setup] installs the global providers and exports metrics to Prometheus.
// Code without an injected [Metrics] falls back to [DefaultMetrics]. Tests
// build their own with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/switchboard"

// Turn outcomes recorded by [Metrics.RecordTurn].
const (
	TurnCompleted   = "completed"
	TurnInterrupted = "interrupted"
	TurnFailed      = "failed"
)

// Metrics holds the instruments of one meter provider.
type Metrics struct {
	// Stage latencies, in seconds.
	STTFinalLatency     metric.Float64Histogram // end of speech to final transcript
	LLMTimeToFirstToken metric.Float64Histogram // turn start to first response text
	TTSTimeToFirstByte  metric.Float64Histogram // first sentence to first audio
	TurnDuration        metric.Float64Histogram // completed turns only

	// Attributes provider, kind and status.
	ProviderRequests metric.Int64Counter
	// Attributes provider and kind.
	ProviderErrors metric.Int64Counter
	// Attributes provider, kind and state.
	CircuitTransitions metric.Int64Counter

	Turns         metric.Int64Counter // attribute outcome
	Interruptions metric.Int64Counter
	ActiveCalls   metric.Int64UpDownCounter

	// Attributes method, route and status.
	HTTPRequestDuration metric.Float64Histogram
}

// stageBuckets suit the sub-second latencies a caller notices.
var stageBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// turnBuckets cover whole turns, which run for seconds.
var turnBuckets = []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64}

// instruments joins the creation errors so NewMetrics reports them once.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := in.meter.Float64Histogram(name, opts...)
	in.err = errors.Join(in.err, err)
	return h
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.err = errors.Join(in.err, err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.err = errors.Join(in.err, err)
	return g
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		STTFinalLatency:     in.seconds("switchboard.stt.final_latency", "Time from end of speech to the final transcript.", stageBuckets),
		LLMTimeToFirstToken: in.seconds("switchboard.llm.time_to_first_token", "Time from turn start to the first response token.", stageBuckets),
		TTSTimeToFirstByte:  in.seconds("switchboard.tts.time_to_first_byte", "Time from the first sentence to the first synthesized audio.", stageBuckets),
		TurnDuration:        in.seconds("switchboard.turn.duration", "Duration of completed assistant turns.", turnBuckets),
		HTTPRequestDuration: in.seconds("switchboard.http.request.duration", "HTTP request latency by method and route.", nil),

		ProviderRequests:   in.counter("switchboard.provider.requests", "Provider requests by provider, kind and status."),
		ProviderErrors:     in.counter("switchboard.provider.errors", "Provider errors by provider and kind."),
		CircuitTransitions: in.counter("switchboard.provider.circuit_transitions", "Circuit breaker state changes by provider, kind and new state."),
		Turns:              in.counter("switchboard.turns", "Assistant turns by outcome."),
		Interruptions:      in.counter("switchboard.interruptions", "Caller barge-ins."),

		ActiveCalls: in.gauge("switchboard.active_calls", "Live call sessions."),
	}
	if in.err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", in.err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments on the global meter provider, created
// on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordCircuitTransition counts a breaker of provider entering state.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, provider, kind, state string) {
	m.CircuitTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("state", state),
	))
}

// RecordTurn counts a turn by outcome. d is recorded for completed turns.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string, d time.Duration) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == TurnCompleted {
		m.TurnDuration.Record(ctx, d.Seconds())
	}
}

func (m *Metrics) RecordInterruption(ctx context.Context) {
	m.Interruptions.Add(ctx, 1)
}

// ObserveSince records the seconds elapsed since start on h.
func ObserveSince(ctx context.Context, h metric.Float64Histogram, start time.Time) {
	h.Record(ctx, time.Since(start).Seconds())
}
