package saga

import (
	"context"

	"github.com/MeridioStudio/lib-relay/relay/outbox"
)

// Definition describes one saga type. Implementations hold no per-instance
// state; everything mutable lives on the Instance passed to Handle.
type Definition[TData any] interface {
	// SagaType names the saga, e.g. "order-fulfillment".
	SagaType() string

	// InitialState is the state assigned to newly started instances.
	InitialState() string

	// CorrelationID extracts the saga id this message belongs to. An
	// empty id or an error rejects the message before any lookup.
	CorrelationID(ctx context.Context, message Message) (string, error)

	// CanStart reports whether this message may create a new instance
	// when none exists yet. Messages that arrive for a missing instance
	// and cannot start one go to the orchestrator's not-found handler.
	CanStart(ctx context.Context, message Message) bool

	// Handle advances the state machine. Outgoing messages staged on
	// hctx.Bus become durable only when the surrounding unit of work
	// commits. A returned error faults the instance.
	Handle(ctx context.Context, hctx *HandlerContext[TData], message Message) error
}

// Compensator optionally undoes completed steps of a faulting instance,
// walked in reverse completion order.
type Compensator[TData any] interface {
	Compensate(ctx context.Context, hctx *HandlerContext[TData], step string) error
}

// NotFoundHandler is invoked for messages whose instance does not exist and
// whose definition declines to start one.
type NotFoundHandler func(ctx context.Context, message Message, sagaID string) error

// HandlerContext is what a definition's Handle sees for one message: the
// current instance, the transactional bus of the enclosing unit of work,
// and the timeout scheduler.
type HandlerContext[TData any] struct {
	Instance *Instance[TData]
	Bus      *outbox.Bus
	Timeouts *TimeoutScheduler
}

// Publish stages an outgoing message on the unit-of-work bus, stamping the
// saga id as correlation id when the caller did not set one.
func (hctx *HandlerContext[TData]) Publish(messageType string, payload []byte, opts ...outbox.MessageOption) (*outbox.Message, error) {
	message, err := outbox.NewMessage(messageType, payload, opts...)
	if err != nil {
		return nil, err
	}

	if message.CorrelationID == "" && hctx.Instance != nil {
		message.CorrelationID = hctx.Instance.SagaID

		if message.Headers == nil {
			message.Headers = make(map[string]string)
		}

		message.Headers[outbox.HeaderCorrelationID] = hctx.Instance.SagaID
	}

	if _, err := hctx.Bus.Stage(message); err != nil {
		return nil, err
	}

	return message, nil
}
