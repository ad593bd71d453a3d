package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/MeridioStudio/lib-relay/relay/log"
	"github.com/MeridioStudio/lib-relay/relay/outbox"
)

// DefaultMaxConflictRetries bounds reload-and-retry cycles after a version
// conflict before the message is handed back to the transport for
// redelivery.
const DefaultMaxConflictRetries = 3

// Orchestrator routes correlated messages to their saga instances and
// persists the outcome with optimistic concurrency.
type Orchestrator[TData any] struct {
	definition Definition[TData]
	store      Store[TData]
	timeouts   *TimeoutScheduler

	compensator        Compensator[TData]
	notFound           NotFoundHandler
	maxConflictRetries int

	logger        log.Logger
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	metrics       orchestratorMetrics
}

// OrchestratorOption configures an orchestrator.
type OrchestratorOption[TData any] func(*Orchestrator[TData])

// WithMaxConflictRetries overrides the number of reload-and-retry cycles on
// a version conflict. Non-positive values keep the default.
func WithMaxConflictRetries[TData any](retries int) OrchestratorOption[TData] {
	return func(orchestrator *Orchestrator[TData]) {
		if retries > 0 {
			orchestrator.maxConflictRetries = retries
		}
	}
}

// WithNotFoundHandler sets the hook invoked for messages whose instance is
// missing and whose definition declines to start one. The default drops
// the message.
func WithNotFoundHandler[TData any](handler NotFoundHandler) OrchestratorOption[TData] {
	return func(orchestrator *Orchestrator[TData]) {
		if handler != nil {
			orchestrator.notFound = handler
		}
	}
}

// WithCompensator enables reverse compensation of recorded completed steps
// when a handler faults the instance.
func WithCompensator[TData any](compensator Compensator[TData]) OrchestratorOption[TData] {
	return func(orchestrator *Orchestrator[TData]) {
		orchestrator.compensator = compensator
	}
}

// WithTimeoutScheduler wires durable timeout scheduling into handler
// contexts.
func WithTimeoutScheduler[TData any](timeouts *TimeoutScheduler) OrchestratorOption[TData] {
	return func(orchestrator *Orchestrator[TData]) {
		orchestrator.timeouts = timeouts
	}
}

// WithMeterProvider overrides the meter provider used for orchestrator
// metrics. Defaults to the global provider.
func WithMeterProvider[TData any](provider metric.MeterProvider) OrchestratorOption[TData] {
	return func(orchestrator *Orchestrator[TData]) {
		orchestrator.meterProvider = provider
	}
}

// NewOrchestrator wires a definition to its instance store. A nil logger or
// tracer falls back to a no-op implementation.
func NewOrchestrator[TData any](definition Definition[TData], store Store[TData], logger log.Logger, tracer trace.Tracer, opts ...OrchestratorOption[TData]) (*Orchestrator[TData], error) {
	if definition == nil {
		return nil, ErrDefinitionRequired
	}

	if store == nil {
		return nil, ErrStoreRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("relay.noop")
	}

	orchestrator := &Orchestrator[TData]{
		definition:         definition,
		store:              store,
		notFound:           func(context.Context, Message, string) error { return nil },
		maxConflictRetries: DefaultMaxConflictRetries,
		logger:             logger,
		tracer:             tracer,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(orchestrator)
		}
	}

	metrics, err := newOrchestratorMetrics(orchestrator.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("init saga metrics: %w", err)
	}

	orchestrator.metrics = metrics

	return orchestrator, nil
}

// HandleMessage processes one consumed message against the saga it
// correlates to. Outgoing messages staged by the handler land on the given
// unit-of-work bus only after the instance write succeeded, so a retried
// attempt never double-stages.
//
// A handler error is a business outcome, not a transport failure: the
// instance is persisted as faulted, compensation runs if configured, and
// HandleMessage returns nil so the transport acks the message. Errors are
// returned only when nothing durable happened and redelivery can help.
func (orchestrator *Orchestrator[TData]) HandleMessage(ctx context.Context, message Message, bus *outbox.Bus) error {
	if bus == nil {
		return ErrBusRequired
	}

	if err := message.Validate(); err != nil {
		return err
	}

	ctx, span := orchestrator.tracer.Start(ctx, "saga.handle_message")
	defer span.End()

	sagaID, err := orchestrator.definition.CorrelationID(ctx, message)
	if err != nil {
		return fmt.Errorf("extract correlation id: %w", err)
	}

	sagaID = strings.TrimSpace(sagaID)
	if sagaID == "" {
		return ErrCorrelationIDRequired
	}

	orchestrator.metrics.messagesHandled.Add(ctx, 1)

	var lastErr error

	for attempt := 0; attempt <= orchestrator.maxConflictRetries; attempt++ {
		err := orchestrator.handleOnce(ctx, message, bus, sagaID)
		if err == nil {
			return nil
		}

		if !errors.Is(err, ErrVersionConflict) && !errors.Is(err, ErrAlreadyExists) {
			return err
		}

		lastErr = err
		orchestrator.metrics.conflictRetries.Add(ctx, 1)
		orchestrator.logger.Log(ctx, log.LevelDebug, "saga write conflict, reloading",
			log.String("saga_id", sagaID),
			log.Int("attempt", attempt+1),
		)
	}

	return fmt.Errorf("%w for saga %q: %w", ErrConflictRetriesExhausted, sagaID, lastErr)
}

func (orchestrator *Orchestrator[TData]) handleOnce(ctx context.Context, message Message, bus *outbox.Bus, sagaID string) error {
	instance, err := orchestrator.store.Find(ctx, sagaID)

	created := false

	switch {
	case errors.Is(err, ErrNotFound):
		if !orchestrator.definition.CanStart(ctx, message) {
			return orchestrator.notFound(ctx, message, sagaID)
		}

		var zero TData

		instance, err = NewInstance(orchestrator.definition.SagaType(), sagaID, orchestrator.definition.InitialState(), zero)
		if err != nil {
			return err
		}

		created = true
	case err != nil:
		return fmt.Errorf("find saga instance: %w", err)
	}

	if instance.IsTerminal() {
		orchestrator.logger.Log(ctx, log.LevelDebug, "message for terminal saga instance dropped",
			log.String("saga_id", sagaID),
			log.String("message_type", message.MessageType),
		)

		return nil
	}

	expectedVersion := instance.Version

	hctx := &HandlerContext[TData]{
		Instance: instance,
		Bus:      outbox.NewBus(),
		Timeouts: orchestrator.timeouts,
	}

	handlerErr := orchestrator.definition.Handle(ctx, hctx, message)
	if handlerErr != nil {
		instance.Fault(handlerErr.Error())

		// Messages staged by the failing handler are discarded;
		// compensation stages its own.
		hctx.Bus.ClearPending()
		orchestrator.compensate(ctx, hctx)
	}

	if created {
		if err := orchestrator.store.Create(ctx, instance); err != nil {
			return fmt.Errorf("create saga instance: %w", err)
		}

		orchestrator.metrics.instancesStarted.Add(ctx, 1)
	} else {
		if err := orchestrator.store.Update(ctx, instance, expectedVersion); err != nil {
			return fmt.Errorf("update saga instance: %w", err)
		}
	}

	if staged := hctx.Bus.TakePending(); len(staged) > 0 {
		if _, err := bus.StageBatch(staged); err != nil {
			return fmt.Errorf("stage saga messages: %w", err)
		}
	}

	switch {
	case handlerErr != nil:
		orchestrator.metrics.instancesFaulted.Add(ctx, 1)
		orchestrator.logger.Log(ctx, log.LevelError, "saga instance faulted",
			log.String("saga_id", sagaID),
			log.String("saga_type", instance.SagaType),
			log.String("message_type", message.MessageType),
			log.String("fault_reason", instance.FaultReason),
		)
	case instance.Completed:
		orchestrator.metrics.instancesCompleted.Add(ctx, 1)
		orchestrator.logger.Log(ctx, log.LevelInfo, "saga instance completed",
			log.String("saga_id", sagaID),
			log.String("saga_type", instance.SagaType),
		)
	}

	return nil
}

func (orchestrator *Orchestrator[TData]) compensate(ctx context.Context, hctx *HandlerContext[TData]) {
	if orchestrator.compensator == nil {
		return
	}

	steps := hctx.Instance.CompletedSteps()

	for i := len(steps) - 1; i >= 0; i-- {
		if err := orchestrator.compensator.Compensate(ctx, hctx, steps[i]); err != nil {
			orchestrator.logger.Log(ctx, log.LevelError, "saga compensation step failed",
				log.String("saga_id", hctx.Instance.SagaID),
				log.String("step", steps[i]),
				log.Err(err),
			)
		}
	}
}
