// Package observe provides application-wide observability primitives for
// hark: OpenTelemetry metrics with a Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all hark metrics.
const meterName = "github.com/harkaudio/hark"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// FramesProcessed counts audio frames normalised and metered by the
	// session engine.
	FramesProcessed metric.Int64Counter

	// RMSLevel records the distribution of normalised loudness readings.
	RMSLevel metric.Float64Histogram

	// SilenceTriggerDelay tracks the sustained-silence time observed when
	// the end-of-speech trigger fires.
	SilenceTriggerDelay metric.Float64Histogram

	// SessionsStarted counts session starts. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	SessionsStarted metric.Int64Counter

	// ActiveSessions tracks the number of live capture sessions. For a
	// single engine this is 0 or 1.
	ActiveSessions metric.Int64UpDownCounter

	// TranscriptUpdates counts hypothesis updates received from the
	// recognition backend. Use with attribute:
	//   attribute.Bool("final", ...)
	TranscriptUpdates metric.Int64Counter

	// RecognizerErrors counts terminal recognition-backend failures.
	RecognizerErrors metric.Int64Counter
}

// rmsBuckets defines histogram bucket boundaries for normalised loudness
// readings in [0, 1].
var rmsBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 0.75, 1,
}

// silenceBuckets defines histogram bucket boundaries (in seconds) for the
// sustained-silence duration at trigger time.
var silenceBuckets = []float64{
	0.25, 0.5, 1, 1.5, 2, 3, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesProcessed, err = m.Int64Counter("hark.audio.frames",
		metric.WithDescription("Total audio frames processed by the session engine."),
	); err != nil {
		return nil, err
	}
	if met.RMSLevel, err = m.Float64Histogram("hark.audio.rms",
		metric.WithDescription("Normalised RMS loudness of processed frames."),
		metric.WithExplicitBucketBoundaries(rmsBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SilenceTriggerDelay, err = m.Float64Histogram("hark.silence.trigger_delay",
		metric.WithDescription("Sustained silence observed when the end-of-speech trigger fired."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(silenceBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionsStarted, err = m.Int64Counter("hark.sessions.started",
		metric.WithDescription("Total session starts by status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("hark.sessions.active",
		metric.WithDescription("Number of live capture sessions."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptUpdates, err = m.Int64Counter("hark.recognizer.updates",
		metric.WithDescription("Total hypothesis updates received from the recognition backend."),
	); err != nil {
		return nil, err
	}
	if met.RecognizerErrors, err = m.Int64Counter("hark.recognizer.errors",
		metric.WithDescription("Total terminal recognition-backend failures."),
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
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordSessionStart is a convenience method that records a session-start
// counter increment with the standard status attribute.
func (m *Metrics) RecordSessionStart(ctx context.Context, status string) {
	m.SessionsStarted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordTranscriptUpdate is a convenience method that records a hypothesis
// update counter increment.
func (m *Metrics) RecordTranscriptUpdate(ctx context.Context, final bool) {
	m.TranscriptUpdates.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("final", final)),
	)
}
