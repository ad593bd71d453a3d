package saga

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type orchestratorMetrics struct {
	messagesHandled    metric.Int64Counter
	instancesStarted   metric.Int64Counter
	instancesCompleted metric.Int64Counter
	instancesFaulted   metric.Int64Counter
	conflictRetries    metric.Int64Counter
}

func newOrchestratorMetrics(provider metric.MeterProvider) (orchestratorMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("relay.saga.orchestrator")

	var (
		metrics orchestratorMetrics
		err     error
	)

	metrics.messagesHandled, err = meter.Int64Counter(
		"saga.messages.handled",
		metric.WithDescription("Number of messages routed through the saga orchestrator"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create saga.messages.handled counter: %w", err)
	}

	metrics.instancesStarted, err = meter.Int64Counter(
		"saga.instances.started",
		metric.WithDescription("Number of saga instances started"),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create saga.instances.started counter: %w", err)
	}

	metrics.instancesCompleted, err = meter.Int64Counter(
		"saga.instances.completed",
		metric.WithDescription("Number of saga instances that completed"),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create saga.instances.completed counter: %w", err)
	}

	metrics.instancesFaulted, err = meter.Int64Counter(
		"saga.instances.faulted",
		metric.WithDescription("Number of saga instances that faulted"),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create saga.instances.faulted counter: %w", err)
	}

	metrics.conflictRetries, err = meter.Int64Counter(
		"saga.conflicts.retried",
		metric.WithDescription("Number of optimistic concurrency conflicts retried"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create saga.conflicts.retried counter: %w", err)
	}

	return metrics, nil
}
