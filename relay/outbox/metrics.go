package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type publisherMetrics struct {
	messagesPublished  metric.Int64Counter
	messagesFailed     metric.Int64Counter
	messagesDeadLetter metric.Int64Counter
	stateUpdateFailed  metric.Int64Counter
	cycleLatency       metric.Float64Histogram
	claimedDepth       metric.Int64Gauge
}

func newPublisherMetrics(provider metric.MeterProvider) (publisherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("relay.outbox.publisher")

	var (
		metrics publisherMetrics
		err     error
	)

	metrics.messagesPublished, err = meter.Int64Counter(
		"outbox.messages.published",
		metric.WithDescription("Number of outbox messages successfully published"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return publisherMetrics{}, fmt.Errorf("create outbox.messages.published counter: %w", err)
	}

	metrics.messagesFailed, err = meter.Int64Counter(
		"outbox.messages.failed",
		metric.WithDescription("Number of outbox messages that failed to publish"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return publisherMetrics{}, fmt.Errorf("create outbox.messages.failed counter: %w", err)
	}

	metrics.messagesDeadLetter, err = meter.Int64Counter(
		"outbox.messages.dead_lettered",
		metric.WithDescription("Number of outbox messages moved to the dead-letter state"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return publisherMetrics{}, fmt.Errorf("create outbox.messages.dead_lettered counter: %w", err)
	}

	metrics.stateUpdateFailed, err = meter.Int64Counter(
		"outbox.messages.state_update_failed",
		metric.WithDescription("Number of outbox messages published but not persisted as published"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return publisherMetrics{}, fmt.Errorf("create outbox.messages.state_update_failed counter: %w", err)
	}

	metrics.cycleLatency, err = meter.Float64Histogram(
		"outbox.drain.latency",
		metric.WithDescription("Time taken per drain cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return publisherMetrics{}, fmt.Errorf("create outbox.drain.latency histogram: %w", err)
	}

	metrics.claimedDepth, err = meter.Int64Gauge(
		"outbox.claimed.depth",
		metric.WithDescription("Number of outbox messages claimed in a drain cycle"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return publisherMetrics{}, fmt.Errorf("create outbox.claimed.depth gauge: %w", err)
	}

	return metrics, nil
}
