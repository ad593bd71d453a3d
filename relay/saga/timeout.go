package saga

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MeridioStudio/lib-relay/relay/outbox"
)

// HeaderTimeoutID marks a staged message as a saga timeout and carries the
// timeout id consumers can echo back.
const HeaderTimeoutID = "saga_timeout_id"

// timeoutMetadataPrefix prefixes the instance metadata key that tracks a
// pending timeout.
const timeoutMetadataPrefix = "timeout:"

// ErrTimeoutSchedulerRequired indicates a handler context without a
// configured timeout scheduler.
var ErrTimeoutSchedulerRequired = errors.New("timeout scheduler is required")

// TimeoutScheduler turns saga timeouts into scheduled outbox messages. A
// scheduled timeout survives process restarts because it is just a row with
// a future scheduled_at; cancellation deletes the row before it is claimed.
type TimeoutScheduler struct {
	store outbox.Store
}

// NewTimeoutScheduler creates a scheduler backed by the given outbox store.
// The store is used only for cancellation; scheduling goes through the
// unit-of-work bus.
func NewTimeoutScheduler(store outbox.Store) (*TimeoutScheduler, error) {
	if store == nil {
		return nil, outbox.ErrStoreRequired
	}

	return &TimeoutScheduler{store: store}, nil
}

// Schedule stages a timeout message for the saga on the bus, due after the
// given delay. Returns the timeout id (the outbox message id) and the due
// time. The timeout becomes durable when the unit of work commits.
func (scheduler *TimeoutScheduler) Schedule(ctx context.Context, bus *outbox.Bus, sagaID string, delay time.Duration, messageType string, payload []byte, opts ...outbox.MessageOption) (uuid.UUID, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, time.Time{}, err
	}

	if bus == nil {
		return uuid.Nil, time.Time{}, ErrBusRequired
	}

	sagaID = strings.TrimSpace(sagaID)
	if sagaID == "" {
		return uuid.Nil, time.Time{}, ErrSagaIDRequired
	}

	if delay < 0 {
		delay = 0
	}

	dueAt := time.Now().UTC().Add(delay)
	timeoutID := uuid.New()

	opts = append(opts,
		outbox.WithID(timeoutID),
		outbox.WithCorrelationID(sagaID),
		outbox.WithScheduledAt(dueAt),
		outbox.WithHeader(HeaderTimeoutID, timeoutID.String()),
	)

	message, err := outbox.NewMessage(messageType, payload, opts...)
	if err != nil {
		return uuid.Nil, time.Time{}, err
	}

	if _, err := bus.Stage(message); err != nil {
		return uuid.Nil, time.Time{}, err
	}

	return timeoutID, dueAt, nil
}

// Cancel deletes the scheduled timeout row. It returns false when the
// timeout has already left the SCHEDULED state, meaning the message fired
// (or is about to) and the handler must tolerate its delivery.
func (scheduler *TimeoutScheduler) Cancel(ctx context.Context, timeoutID uuid.UUID) (bool, error) {
	if timeoutID == uuid.Nil {
		return false, outbox.ErrMessageNotFound
	}

	cancelled, err := scheduler.store.DeleteScheduled(ctx, timeoutID)
	if err != nil {
		if errors.Is(err, outbox.ErrMessageNotFound) {
			return false, nil
		}

		return false, err
	}

	return cancelled, nil
}

// ScheduleTimeout schedules a timeout for this handler's instance and
// records it in the instance metadata so later handlers can cancel it.
func (hctx *HandlerContext[TData]) ScheduleTimeout(ctx context.Context, delay time.Duration, messageType string, payload []byte, opts ...outbox.MessageOption) (uuid.UUID, error) {
	if hctx.Timeouts == nil {
		return uuid.Nil, ErrTimeoutSchedulerRequired
	}

	timeoutID, dueAt, err := hctx.Timeouts.Schedule(ctx, hctx.Bus, hctx.Instance.SagaID, delay, messageType, payload, opts...)
	if err != nil {
		return uuid.Nil, err
	}

	hctx.Instance.SetMetadata(timeoutMetadataKey(timeoutID), dueAt.Format(time.RFC3339Nano))

	return timeoutID, nil
}

// CancelTimeout cancels a previously scheduled timeout and drops it from
// the instance metadata. Returns false when the timeout already fired; the
// metadata entry is removed either way. Unknown timeout ids are an error.
func (hctx *HandlerContext[TData]) CancelTimeout(ctx context.Context, timeoutID uuid.UUID) (bool, error) {
	if hctx.Timeouts == nil {
		return false, ErrTimeoutSchedulerRequired
	}

	key := timeoutMetadataKey(timeoutID)
	if _, tracked := hctx.Instance.GetMetadata(key); !tracked {
		return false, ErrTimeoutNotTracked
	}

	cancelled, err := hctx.Timeouts.Cancel(ctx, timeoutID)
	if err != nil {
		return false, err
	}

	hctx.Instance.DeleteMetadata(key)

	return cancelled, nil
}

func timeoutMetadataKey(timeoutID uuid.UUID) string {
	return timeoutMetadataPrefix + timeoutID.String()
}
