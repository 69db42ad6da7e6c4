package tts

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RegisterMetrics exposes the controller counters as observable instruments.
// Values are read from atomics at collection time, so the render path never
// calls into the metrics SDK.
func (c *Controller) RegisterMetrics(meter metric.Meter) (metric.Registration, error) {
	started, err := meter.Int64ObservableCounter("loqa.tts.sessions.started",
		metric.WithDescription("Speech sessions started"))
	if err != nil {
		return nil, err
	}
	finished, err := meter.Int64ObservableCounter("loqa.tts.sessions.finished",
		metric.WithDescription("Speech sessions finished, by terminal state"))
	if err != nil {
		return nil, err
	}
	samples, err := meter.Int64ObservableCounter("loqa.tts.samples.received",
		metric.WithDescription("Audio samples received from the synthesis server"))
	if err != nil {
		return nil, err
	}
	malformed, err := meter.Int64ObservableCounter("loqa.tts.chunks.malformed",
		metric.WithDescription("Reads dropped because their length was not a multiple of 4"))
	if err != nil {
		return nil, err
	}
	evicted, err := meter.Int64ObservableCounter("loqa.audio.samples.evicted",
		metric.WithDescription("Samples dropped by the playback buffer on overflow"))
	if err != nil {
		return nil, err
	}
	underruns, err := meter.Int64ObservableCounter("loqa.audio.underruns",
		metric.WithDescription("Render blocks padded with silence while playing"))
	if err != nil {
		return nil, err
	}
	buffered, err := meter.Int64ObservableGauge("loqa.audio.buffered",
		metric.WithDescription("Samples waiting in the playback buffer"))
	if err != nil {
		return nil, err
	}

	ended := metric.WithAttributes(attribute.String("state", StateEnded.String()))
	aborted := metric.WithAttributes(attribute.String("state", StateAborted.String()))
	failed := metric.WithAttributes(attribute.String("state", StateFailed.String()))

	return meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		stats := c.renderer.Stats()
		obs.ObserveInt64(started, int64(c.counters.started.Load()))
		obs.ObserveInt64(finished, int64(c.counters.ended.Load()), ended)
		obs.ObserveInt64(finished, int64(c.counters.aborted.Load()), aborted)
		obs.ObserveInt64(finished, int64(c.counters.failed.Load()), failed)
		obs.ObserveInt64(samples, int64(c.counters.samples.Load()))
		obs.ObserveInt64(malformed, int64(c.counters.malformed.Load()))
		obs.ObserveInt64(evicted, int64(stats.Evicted))
		obs.ObserveInt64(underruns, int64(stats.Underruns))
		obs.ObserveInt64(buffered, int64(stats.Buffered))
		return nil
	}, started, finished, samples, malformed, evicted, underruns, buffered)
}
