//go:build unit

package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeridioStudio/lib-relay/relay/outbox"
)

// scheduledOutboxStore implements outbox.Store with just enough behavior
// for timeout cancellation.
type scheduledOutboxStore struct {
	scheduled map[uuid.UUID]bool
	deleteErr error
}

func newScheduledOutboxStore() *scheduledOutboxStore {
	return &scheduledOutboxStore{scheduled: make(map[uuid.UUID]bool)}
}

func (store *scheduledOutboxStore) DeleteScheduled(_ context.Context, id uuid.UUID) (bool, error) {
	if store.deleteErr != nil {
		return false, store.deleteErr
	}

	if _, ok := store.scheduled[id]; !ok {
		return false, outbox.ErrMessageNotFound
	}

	if !store.scheduled[id] {
		return false, nil
	}

	delete(store.scheduled, id)

	return true, nil
}

func (store *scheduledOutboxStore) CreateBatch(context.Context, []*outbox.Message) error {
	return nil
}

func (store *scheduledOutboxStore) ClaimBatch(context.Context, int, time.Time) ([]*outbox.Message, error) {
	return nil, nil
}

func (store *scheduledOutboxStore) MarkPublished(context.Context, uuid.UUID, time.Time) error {
	return nil
}

func (store *scheduledOutboxStore) MarkFailed(context.Context, uuid.UUID, string, *time.Time, int) error {
	return nil
}

func (store *scheduledOutboxStore) ResetStuckProcessing(context.Context, int, time.Time) (int, error) {
	return 0, nil
}

func (store *scheduledOutboxStore) ListDeadLetters(context.Context, int) ([]*outbox.Message, error) {
	return nil, nil
}

func (store *scheduledOutboxStore) ReplayDeadLetter(context.Context, uuid.UUID) error {
	return nil
}

func (store *scheduledOutboxStore) DeletePublishedBefore(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (store *scheduledOutboxStore) GetByID(context.Context, uuid.UUID) (*outbox.Message, error) {
	return nil, outbox.ErrMessageNotFound
}

func (store *scheduledOutboxStore) CountByStatus(context.Context, outbox.Status) (int, error) {
	return 0, nil
}

func newTimeoutContext(t *testing.T, store outbox.Store) (*HandlerContext[orderData], *outbox.Bus) {
	t.Helper()

	scheduler, err := NewTimeoutScheduler(store)
	require.NoError(t, err)

	instance, err := NewInstance("order", "order-1", "started", orderData{})
	require.NoError(t, err)

	bus := outbox.NewBus()

	return &HandlerContext[orderData]{Instance: instance, Bus: bus, Timeouts: scheduler}, bus
}

func TestNewTimeoutSchedulerValidation(t *testing.T) {
	_, err := NewTimeoutScheduler(nil)
	require.ErrorIs(t, err, outbox.ErrStoreRequired)
}

func TestScheduleTimeoutStagesScheduledMessage(t *testing.T) {
	hctx, bus := newTimeoutContext(t, newScheduledOutboxStore())

	timeoutID, err := hctx.ScheduleTimeout(context.Background(), 30*time.Minute, "order.timeout", []byte(`{"reason":"payment"}`))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, timeoutID)

	staged := bus.TakePending()
	require.Len(t, staged, 1)

	message := staged[0]
	assert.Equal(t, timeoutID, message.ID)
	assert.Equal(t, "order.timeout", message.MessageType)
	assert.Equal(t, outbox.StatusScheduled, message.Status)
	assert.Equal(t, "order-1", message.CorrelationID)
	assert.Equal(t, timeoutID.String(), message.Headers[HeaderTimeoutID])

	require.NotNil(t, message.ScheduledAt)
	assert.WithinDuration(t, time.Now().UTC().Add(30*time.Minute), *message.ScheduledAt, 5*time.Second)

	// The pending timeout is tracked on the instance.
	dueAt, tracked := hctx.Instance.GetMetadata("timeout:" + timeoutID.String())
	require.True(t, tracked)
	_, err = time.Parse(time.RFC3339Nano, dueAt)
	require.NoError(t, err)
}

func TestCancelTimeoutDeletesScheduledRow(t *testing.T) {
	store := newScheduledOutboxStore()
	hctx, _ := newTimeoutContext(t, store)

	timeoutID, err := hctx.ScheduleTimeout(context.Background(), time.Hour, "order.timeout", []byte(`{}`))
	require.NoError(t, err)

	// Simulate the unit of work committing the scheduled row.
	store.scheduled[timeoutID] = true

	cancelled, err := hctx.CancelTimeout(context.Background(), timeoutID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	_, tracked := hctx.Instance.GetMetadata("timeout:" + timeoutID.String())
	assert.False(t, tracked)
}

func TestCancelTimeoutAlreadyFired(t *testing.T) {
	store := newScheduledOutboxStore()
	hctx, _ := newTimeoutContext(t, store)

	timeoutID, err := hctx.ScheduleTimeout(context.Background(), time.Hour, "order.timeout", []byte(`{}`))
	require.NoError(t, err)

	// The row left SCHEDULED: the publisher already claimed it.
	store.scheduled[timeoutID] = false

	cancelled, err := hctx.CancelTimeout(context.Background(), timeoutID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	// Tracking is dropped either way so the instance does not cancel a
	// second time.
	_, tracked := hctx.Instance.GetMetadata("timeout:" + timeoutID.String())
	assert.False(t, tracked)
}

func TestCancelTimeoutMissingRowIsNotAnError(t *testing.T) {
	store := newScheduledOutboxStore()
	hctx, _ := newTimeoutContext(t, store)

	timeoutID, err := hctx.ScheduleTimeout(context.Background(), time.Hour, "order.timeout", []byte(`{}`))
	require.NoError(t, err)

	// Never committed: the store has no row at all.
	cancelled, err := hctx.CancelTimeout(context.Background(), timeoutID)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestCancelTimeoutUntracked(t *testing.T) {
	hctx, _ := newTimeoutContext(t, newScheduledOutboxStore())

	_, err := hctx.CancelTimeout(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrTimeoutNotTracked)
}

func TestCancelTimeoutStoreError(t *testing.T) {
	store := newScheduledOutboxStore()
	store.deleteErr = errors.New("connection reset")

	hctx, _ := newTimeoutContext(t, store)

	timeoutID, err := hctx.ScheduleTimeout(context.Background(), time.Hour, "order.timeout", []byte(`{}`))
	require.NoError(t, err)

	_, err = hctx.CancelTimeout(context.Background(), timeoutID)
	require.ErrorContains(t, err, "connection reset")

	// Still tracked so a later cancel can retry.
	_, tracked := hctx.Instance.GetMetadata("timeout:" + timeoutID.String())
	assert.True(t, tracked)
}

func TestScheduleTimeoutValidation(t *testing.T) {
	scheduler, err := NewTimeoutScheduler(newScheduledOutboxStore())
	require.NoError(t, err)

	_, _, err = scheduler.Schedule(context.Background(), nil, "order-1", time.Hour, "order.timeout", []byte(`{}`))
	require.ErrorIs(t, err, ErrBusRequired)

	_, _, err = scheduler.Schedule(context.Background(), outbox.NewBus(), " ", time.Hour, "order.timeout", []byte(`{}`))
	require.ErrorIs(t, err, ErrSagaIDRequired)

	_, _, err = scheduler.Schedule(context.Background(), outbox.NewBus(), "order-1", time.Hour, "", []byte(`{}`))
	require.ErrorIs(t, err, outbox.ErrMessageTypeRequired)
}

func TestScheduleTimeoutCancelledContext(t *testing.T) {
	scheduler, err := NewTimeoutScheduler(newScheduledOutboxStore())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bus := outbox.NewBus()

	_, _, err = scheduler.Schedule(ctx, bus, "order-1", time.Hour, "order.timeout", []byte(`{}`))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, bus.PendingCount())
}
