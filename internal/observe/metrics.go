// Package observe provides the observability primitives shared by every voxa
// component: OpenTelemetry metrics, tracing, trace-aware logging and an HTTP
// middleware tying them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed to
// Prometheus by [InitProvider]. Components that are not handed a [Metrics]
// fall back to [DefaultMetrics]; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxa metrics.
const meterName = "github.com/MrWong99/voxa"

// Metrics holds all OpenTelemetry metric instruments for the application.
type Metrics struct {
	// --- Latency histograms ---

	// CompletionFirstFragment tracks the time from submission to the first
	// streamed fragment.
	CompletionFirstFragment metric.Float64Histogram

	// CompletionDuration tracks the time until a completion stream ends.
	CompletionDuration metric.Float64Histogram

	// SpeechDuration tracks how long one utterance took to play out.
	SpeechDuration metric.Float64Histogram

	// CaptureDuration tracks how long the microphone stayed open.
	CaptureDuration metric.Float64Histogram

	// --- Counters ---

	// Submissions counts submit attempts. Use with attribute:
	//   attribute.String("status", "completed" | "error" | "ignored")
	Submissions metric.Int64Counter

	// Fragments counts streamed completion fragments.
	Fragments metric.Int64Counter

	// Transcripts counts transcript events. Use with attribute:
	//   attribute.Bool("final", ...)
	Transcripts metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// SynthesisErrors counts failed utterances by engine error code.
	SynthesisErrors metric.Int64Counter

	// --- Gauges ---

	// Listening is 1 while voice capture is active.
	Listening metric.Int64UpDownCounter

	// Speaking is 1 while an utterance is playing.
	Speaking metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks status endpoint latency by method, route
	// and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// completion and speech latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.CompletionFirstFragment, "voxa.completion.first_fragment", "Time from submission to the first completion fragment."},
		{&met.CompletionDuration, "voxa.completion.duration", "Time until a completion stream ended."},
		{&met.SpeechDuration, "voxa.speech.duration", "Playback time of one utterance."},
		{&met.CaptureDuration, "voxa.capture.duration", "Time the microphone stayed open."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.Submissions, "voxa.submissions", "Submit attempts by outcome."},
		{&met.Fragments, "voxa.completion.fragments", "Streamed completion fragments."},
		{&met.Transcripts, "voxa.capture.transcripts", "Transcript events by finality."},
		{&met.ProviderRequests, "voxa.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.ProviderErrors, "voxa.provider.errors", "Total provider errors by provider and kind."},
		{&met.SynthesisErrors, "voxa.speech.errors", "Failed utterances by engine error code."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.Listening, err = m.Int64UpDownCounter("voxa.capture.listening",
		metric.WithDescription("1 while voice capture is active."),
	); err != nil {
		return nil, err
	}
	if met.Speaking, err = m.Int64UpDownCounter("voxa.speech.speaking",
		metric.WithDescription("1 while an utterance is playing."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxa.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records one provider call with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records one provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSubmission records the outcome of one submit attempt.
func (m *Metrics) RecordSubmission(ctx context.Context, status string) {
	m.Submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSynthesisError records a failed utterance.
func (m *Metrics) RecordSynthesisError(ctx context.Context, code string) {
	m.SynthesisErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordTranscript records a transcript event.
func (m *Metrics) RecordTranscript(ctx context.Context, final bool) {
	m.Transcripts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("final", final)))
}
