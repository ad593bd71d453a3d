package outbox

import (
	"context"
	"fmt"

	"github.com/MeridioStudio/lib-relay/relay/log"
	"github.com/MeridioStudio/lib-relay/relay/txn"
)

// Gateway bridges a Bus to durable storage as a two-phase-commit resource.
// Enlist it on the unit of work that stages messages:
//
//	bus := outbox.NewBus()
//	gateway, _ := outbox.NewGateway(bus, store, outbox.WithGatewayLogger(logger))
//	uow.Enlist(gateway)
//
// Prepare re-validates every staged message without writing anything, so a
// malformed message still aborts the business transaction. Commit runs
// after the transaction committed and flushes the staged batch with a
// single atomic write. If that write fails the messages are lost: the
// business data is already committed, and publishing for a transaction
// that might have rolled back is the worse failure mode. The loss is
// logged with every message id. Rollback and InDoubt discard the staged
// list without writing.
type Gateway struct {
	bus    *Bus
	store  Store
	logger log.Logger
}

// Compile-time assertion: *Gateway implements txn.Resource.
var _ txn.Resource = (*Gateway)(nil)

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayLogger sets the logger used for flush failures.
func WithGatewayLogger(logger log.Logger) GatewayOption {
	return func(gateway *Gateway) {
		if logger != nil {
			gateway.logger = logger
		}
	}
}

// NewGateway creates a gateway binding the bus to the store.
func NewGateway(bus *Bus, store Store, opts ...GatewayOption) (*Gateway, error) {
	if bus == nil {
		return nil, ErrBusRequired
	}

	if store == nil {
		return nil, ErrStoreRequired
	}

	gateway := &Gateway{
		bus:    bus,
		store:  store,
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		opt(gateway)
	}

	return gateway, nil
}

// Prepare re-validates the staged batch. Read-only: nothing durable has
// happened yet, so an error here safely rolls the whole transaction back.
func (gateway *Gateway) Prepare(_ context.Context) error {
	for _, message := range gateway.bus.snapshot() {
		if err := message.Validate(); err != nil {
			return fmt.Errorf("staged message %s: %w", message.ID, err)
		}
	}

	return nil
}

// Commit flushes all staged messages into the store as one atomic batch,
// then clears the bus. Flush failures are logged and swallowed.
func (gateway *Gateway) Commit(ctx context.Context) {
	staged := gateway.bus.drain()
	if len(staged) == 0 {
		return
	}

	if err := gateway.store.CreateBatch(ctx, staged); err != nil {
		ids := make([]string, 0, len(staged))
		for _, message := range staged {
			ids = append(ids, message.ID.String())
		}

		gateway.logger.Log(ctx, log.LevelError, "outbox flush failed, staged messages lost",
			log.Err(err),
			log.Int("message_count", len(staged)),
			log.Any("message_ids", ids),
		)
	}
}

// Rollback discards the staged batch.
func (gateway *Gateway) Rollback(_ context.Context) {
	gateway.bus.ClearPending()
}

// InDoubt discards the staged batch. When the transaction outcome is
// unknown, dropping messages is preferred over publishing for a
// transaction that may have rolled back.
func (gateway *Gateway) InDoubt(ctx context.Context) {
	if count := gateway.bus.PendingCount(); count > 0 {
		gateway.logger.Log(ctx, log.LevelWarn, "transaction in doubt, discarding staged messages",
			log.Int("message_count", count))
	}

	gateway.bus.ClearPending()
}
