//go:build unit

package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store for bus/gateway/publisher unit tests.
type fakeStore struct {
	mu             sync.Mutex
	messages       map[uuid.UUID]*Message
	createBatchErr error
	claimErr       error
	markPubErr     error
	markFailErr    error
	resetErr       error
	countErr       error
	createCalls    int
	resetCalls     int
	resetOlderThan time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: make(map[uuid.UUID]*Message)}
}

func (store *fakeStore) CreateBatch(_ context.Context, messages []*Message) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.createCalls++

	if store.createBatchErr != nil {
		return store.createBatchErr
	}

	for _, message := range messages {
		store.messages[message.ID] = message.Clone()
	}

	return nil
}

func (store *fakeStore) ClaimBatch(_ context.Context, limit int, now time.Time) ([]*Message, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.claimErr != nil {
		return nil, store.claimErr
	}

	claimed := make([]*Message, 0, limit)

	for _, message := range store.messages {
		if len(claimed) >= limit {
			break
		}

		due := message.Status == StatusPending ||
			(message.Status == StatusScheduled && message.ScheduledAt != nil && !message.ScheduledAt.After(now)) ||
			(message.Status == StatusFailed && message.NextRetryAt != nil && !message.NextRetryAt.After(now))
		if !due {
			continue
		}

		message.Status = StatusProcessing
		claimed = append(claimed, message.Clone())
	}

	return claimed, nil
}

func (store *fakeStore) MarkPublished(_ context.Context, id uuid.UUID, publishedAt time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.markPubErr != nil {
		return store.markPubErr
	}

	message, exists := store.messages[id]
	if !exists {
		return ErrMessageNotFound
	}

	if message.Status != StatusProcessing {
		return ErrStateConflict
	}

	message.Status = StatusPublished
	message.PublishedAt = &publishedAt

	return nil
}

func (store *fakeStore) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, nextRetryAt *time.Time, maxRetries int) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.markFailErr != nil {
		return store.markFailErr
	}

	message, exists := store.messages[id]
	if !exists {
		return ErrMessageNotFound
	}

	if message.Status != StatusProcessing {
		return ErrStateConflict
	}

	message.RetryCount++
	message.LastError = errMsg
	message.NextRetryAt = nextRetryAt

	if nextRetryAt == nil || message.RetryCount > maxRetries {
		message.Status = StatusDeadLetter
	} else {
		message.Status = StatusFailed
	}

	return nil
}

func (store *fakeStore) ResetStuckProcessing(_ context.Context, _ int, olderThan time.Time) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.resetCalls++
	store.resetOlderThan = olderThan

	if store.resetErr != nil {
		return 0, store.resetErr
	}

	return 0, nil
}

func (store *fakeStore) ListDeadLetters(_ context.Context, limit int) ([]*Message, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	dead := make([]*Message, 0)

	for _, message := range store.messages {
		if len(dead) >= limit {
			break
		}

		if message.Status == StatusDeadLetter {
			dead = append(dead, message.Clone())
		}
	}

	return dead, nil
}

func (store *fakeStore) ReplayDeadLetter(_ context.Context, id uuid.UUID) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	message, exists := store.messages[id]
	if !exists {
		return ErrMessageNotFound
	}

	if message.Status != StatusDeadLetter {
		return ErrStateConflict
	}

	message.Status = StatusPending
	message.RetryCount = 0
	message.NextRetryAt = nil

	return nil
}

func (store *fakeStore) DeleteScheduled(_ context.Context, id uuid.UUID) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	message, exists := store.messages[id]
	if !exists || message.Status != StatusScheduled {
		return false, nil
	}

	delete(store.messages, id)

	return true, nil
}

func (store *fakeStore) DeletePublishedBefore(_ context.Context, cutoff time.Time) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	deleted := 0

	for id, message := range store.messages {
		if message.Status == StatusPublished && message.PublishedAt != nil && message.PublishedAt.Before(cutoff) {
			delete(store.messages, id)

			deleted++
		}
	}

	return deleted, nil
}

func (store *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*Message, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	message, exists := store.messages[id]
	if !exists {
		return nil, ErrMessageNotFound
	}

	return message.Clone(), nil
}

func (store *fakeStore) CountByStatus(_ context.Context, status Status) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.countErr != nil {
		return 0, store.countErr
	}

	count := 0

	for _, message := range store.messages {
		if message.Status == status {
			count++
		}
	}

	return count, nil
}

func (store *fakeStore) statusOf(t *testing.T, id uuid.UUID) Status {
	t.Helper()

	store.mu.Lock()
	defer store.mu.Unlock()

	message, exists := store.messages[id]
	require.True(t, exists)

	return message.Status
}

func mustMessage(t *testing.T, opts ...MessageOption) *Message {
	t.Helper()

	message, err := NewMessage("order.created", []byte(`{"n":1}`), opts...)
	require.NoError(t, err)

	return message
}

func TestBusStageAndPendingCount(t *testing.T) {
	t.Parallel()

	bus := NewBus()

	id, err := bus.Stage(mustMessage(t))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
	assert.Equal(t, 1, bus.PendingCount())

	_, err = bus.Stage(nil)
	require.ErrorIs(t, err, ErrMessageRequired)
	assert.Equal(t, 1, bus.PendingCount())
}

func TestBusStageBatchAllOrNothing(t *testing.T) {
	t.Parallel()

	bus := NewBus()

	broken := mustMessage(t)
	broken.Payload = nil

	_, err := bus.StageBatch([]*Message{mustMessage(t), broken})
	require.ErrorIs(t, err, ErrPayloadRequired)
	assert.Zero(t, bus.PendingCount())

	ids, err := bus.StageBatch([]*Message{mustMessage(t), mustMessage(t)})
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Equal(t, 2, bus.PendingCount())
}

func TestBusClearPendingIsIdempotent(t *testing.T) {
	t.Parallel()

	bus := NewBus()

	_, err := bus.Stage(mustMessage(t))
	require.NoError(t, err)

	bus.ClearPending()
	assert.Zero(t, bus.PendingCount())

	bus.ClearPending()
	assert.Zero(t, bus.PendingCount())
}

func TestGatewayCommitFlushesAndClears(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	store := newFakeStore()

	gateway, err := NewGateway(bus, store)
	require.NoError(t, err)

	staged := mustMessage(t)
	scheduled := mustMessage(t, WithScheduledAt(time.Now().Add(time.Hour)))

	_, err = bus.StageBatch([]*Message{staged, scheduled})
	require.NoError(t, err)

	require.NoError(t, gateway.Prepare(context.Background()))
	gateway.Commit(context.Background())

	assert.Zero(t, bus.PendingCount())
	assert.Equal(t, StatusPending, store.statusOf(t, staged.ID))
	assert.Equal(t, StatusScheduled, store.statusOf(t, scheduled.ID))

	// Duplicate commit signal must not double-persist.
	gateway.Commit(context.Background())
	assert.Equal(t, 1, store.createCalls)
}

func TestGatewayRollbackDiscards(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	store := newFakeStore()

	gateway, err := NewGateway(bus, store)
	require.NoError(t, err)

	_, err = bus.Stage(mustMessage(t))
	require.NoError(t, err)

	gateway.Rollback(context.Background())

	assert.Zero(t, bus.PendingCount())
	assert.Zero(t, store.createCalls)

	gateway.Commit(context.Background())
	assert.Empty(t, store.messages)
}

func TestGatewayInDoubtDiscards(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	store := newFakeStore()

	gateway, err := NewGateway(bus, store)
	require.NoError(t, err)

	_, err = bus.Stage(mustMessage(t))
	require.NoError(t, err)

	gateway.InDoubt(context.Background())

	assert.Zero(t, bus.PendingCount())
	assert.Zero(t, store.createCalls)
}

func TestGatewayPrepareRejectsInvalidStagedMessage(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	store := newFakeStore()

	gateway, err := NewGateway(bus, store)
	require.NoError(t, err)

	message := mustMessage(t)
	_, err = bus.Stage(message)
	require.NoError(t, err)

	// Mutated after staging; prepare catches it before anything durable.
	message.Payload = []byte("broken")

	err = gateway.Prepare(context.Background())
	require.ErrorIs(t, err, ErrPayloadNotJSON)
}

func TestGatewayCommitFlushFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	store := newFakeStore()
	store.createBatchErr = errors.New("database gone")

	gateway, err := NewGateway(bus, store)
	require.NoError(t, err)

	_, err = bus.Stage(mustMessage(t))
	require.NoError(t, err)

	require.NotPanics(t, func() {
		gateway.Commit(context.Background())
	})

	// Messages are lost, not retried: the business transaction already
	// committed and double-publish is the worse failure mode.
	assert.Zero(t, bus.PendingCount())
	assert.Empty(t, store.messages)
}

func TestNewGatewayValidation(t *testing.T) {
	t.Parallel()

	_, err := NewGateway(nil, newFakeStore())
	require.ErrorIs(t, err, ErrBusRequired)

	_, err = NewGateway(NewBus(), nil)
	require.ErrorIs(t, err, ErrStoreRequired)
}
