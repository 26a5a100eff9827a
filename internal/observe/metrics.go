// Package observe provides OpenTelemetry metrics and tracing for the TTS service.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider] so they can be scraped from /metrics. Tests should
// build their own [Metrics] with [NewMetrics] over a manual reader.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/book-expert/voice-tts-service"

// StatusOK is the status attribute recorded for successful requests.
const StatusOK = "OK"

// Metrics holds the metric instruments of the service.
type Metrics struct {
	// Requests counts handled requests by transport and status code.
	Requests metric.Int64Counter

	// RequestDuration tracks end-to-end request latency by transport.
	RequestDuration metric.Float64Histogram

	// GenerationDuration tracks model generation plus decoding by mode (tts or voice_clone).
	GenerationDuration metric.Float64Histogram

	// ClipsGenerated counts encoded output clips by format.
	ClipsGenerated metric.Int64Counter

	// PromptDuration tracks the length of resolved voice-cloning prompts.
	PromptDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time by method and route.
	HTTPRequestDuration metric.Float64Histogram
}

// Synthesis runs for seconds to minutes.
var generationBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80, 160,
}

var promptBuckets = []float64{1, 3, 5, 10, 15, 20, 30, 60}

// NewMetrics creates all instruments using the given MeterProvider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	var err error

	met := &Metrics{}

	if met.Requests, err = meter.Int64Counter("tts.requests",
		metric.WithDescription("Synthesis requests by transport and status."),
	); err != nil {
		return nil, err
	}

	if met.RequestDuration, err = meter.Float64Histogram("tts.request.duration",
		metric.WithDescription("End-to-end synthesis request latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(generationBuckets...),
	); err != nil {
		return nil, err
	}

	if met.GenerationDuration, err = meter.Float64Histogram("tts.generation.duration",
		metric.WithDescription("Model generation and decoding latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(generationBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ClipsGenerated, err = meter.Int64Counter("tts.clips.generated",
		metric.WithDescription("Encoded audio clips by output format."),
	); err != nil {
		return nil, err
	}

	if met.PromptDuration, err = meter.Float64Histogram("tts.voice_prompt.duration",
		metric.WithDescription("Duration of resolved voice-cloning prompts."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(promptBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = meter.Float64Histogram("tts.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RecordRequest records one handled request. A nil receiver is a no-op.
func (m *Metrics) RecordRequest(ctx context.Context, transport, status string, elapsed time.Duration) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("status", status),
	)

	m.Requests.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordGeneration records a completed generation of clips in format.
func (m *Metrics) RecordGeneration(ctx context.Context, mode, format string, clips int, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.GenerationDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("mode", mode)))
	m.ClipsGenerated.Add(ctx, int64(clips), metric.WithAttributes(attribute.String("format", format)))
}

// RecordPrompt records the duration of a resolved voice prompt.
func (m *Metrics) RecordPrompt(ctx context.Context, duration time.Duration) {
	if m == nil {
		return
	}

	m.PromptDuration.Record(ctx, duration.Seconds())
}
