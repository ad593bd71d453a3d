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

type fakeBroker struct {
	mu        sync.Mutex
	published []Delivery
	failFor   map[string]error
	failAll   error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{failFor: make(map[string]error)}
}

func (broker *fakeBroker) Publish(_ context.Context, delivery Delivery) error {
	broker.mu.Lock()
	defer broker.mu.Unlock()

	if broker.failAll != nil {
		return broker.failAll
	}

	if err, exists := broker.failFor[delivery.MessageID]; exists {
		return err
	}

	broker.published = append(broker.published, delivery)

	return nil
}

func (broker *fakeBroker) publishedCount() int {
	broker.mu.Lock()
	defer broker.mu.Unlock()

	return len(broker.published)
}

func newTestPublisher(t *testing.T, store Store, broker Broker, opts ...PublisherOption) *Publisher {
	t.Helper()

	publisher, err := NewPublisher(store, broker, nil, nil, opts...)
	require.NoError(t, err)

	return publisher
}

func seedPending(t *testing.T, store *fakeStore, count int) []*Message {
	t.Helper()

	messages := make([]*Message, 0, count)

	for range count {
		message := mustMessage(t)
		messages = append(messages, message)
	}

	require.NoError(t, store.CreateBatch(context.Background(), messages))

	return messages
}

func TestNewPublisherValidation(t *testing.T) {
	t.Parallel()

	_, err := NewPublisher(nil, newFakeBroker(), nil, nil)
	require.ErrorIs(t, err, ErrStoreRequired)

	_, err = NewPublisher(newFakeStore(), nil, nil, nil)
	require.ErrorIs(t, err, ErrBrokerRequired)
}

func TestDrainOncePublishesClaimedMessages(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	broker := newFakeBroker()
	publisher := newTestPublisher(t, store, broker)

	messages := seedPending(t, store, 3)

	result := publisher.DrainOnce(context.Background())

	assert.Equal(t, 3, result.Claimed)
	assert.Equal(t, 3, result.Published)
	assert.Zero(t, result.Failed)
	assert.Equal(t, 3, broker.publishedCount())

	for _, message := range messages {
		assert.Equal(t, StatusPublished, store.statusOf(t, message.ID))
	}
}

func TestDrainOnceFailureSchedulesRetry(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	broker := newFakeBroker()
	publisher := newTestPublisher(t, store, broker, WithRetryBackoff(time.Minute, time.Hour))

	messages := seedPending(t, store, 1)
	broker.failFor[messages[0].ID.String()] = errors.New("broker unavailable")

	result := publisher.DrainOnce(context.Background())

	assert.Equal(t, 1, result.Claimed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, StatusFailed, store.statusOf(t, messages[0].ID))

	stored, err := store.GetByID(context.Background(), messages[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, "broker unavailable", stored.LastError)
	require.NotNil(t, stored.NextRetryAt)
	assert.True(t, stored.NextRetryAt.After(time.Now()))
}

func TestFailedMessageNotReclaimedBeforeNextRetryAt(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	broker := newFakeBroker()
	publisher := newTestPublisher(t, store, broker, WithRetryBackoff(time.Hour, time.Hour))

	messages := seedPending(t, store, 1)
	broker.failFor[messages[0].ID.String()] = errors.New("boom")

	publisher.DrainOnce(context.Background())
	require.Equal(t, StatusFailed, store.statusOf(t, messages[0].ID))

	// Retry is an hour out; an immediate second cycle claims nothing.
	result := publisher.DrainOnce(context.Background())
	assert.Zero(t, result.Claimed)
}

func TestRetrySucceedsAfterBackoffElapsed(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	broker := newFakeBroker()
	publisher := newTestPublisher(t, store, broker, WithRetryBackoff(time.Millisecond, time.Millisecond))

	messages := seedPending(t, store, 1)
	broker.failFor[messages[0].ID.String()] = errors.New("transient")

	publisher.DrainOnce(context.Background())
	require.Equal(t, StatusFailed, store.statusOf(t, messages[0].ID))

	delete(broker.failFor, messages[0].ID.String())
	time.Sleep(5 * time.Millisecond)

	result := publisher.DrainOnce(context.Background())
	assert.Equal(t, 1, result.Published)
	assert.Equal(t, StatusPublished, store.statusOf(t, messages[0].ID))
}

func TestDeadLetterAfterRetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	broker := newFakeBroker()
	publisher := newTestPublisher(t, store, broker,
		WithMaxRetries(2),
		WithRetryBackoff(time.Nanosecond, time.Nanosecond),
	)

	messages := seedPending(t, store, 1)
	broker.failAll = errors.New("permanently down")

	// maxRetries+1 total failures dead-letter the message.
	for range 3 {
		publisher.DrainOnce(context.Background())
		time.Sleep(time.Millisecond)
	}

	assert.Equal(t, StatusDeadLetter, store.statusOf(t, messages[0].ID))

	// Dead-lettered rows are never claimed again automatically.
	result := publisher.DrainOnce(context.Background())
	assert.Zero(t, result.Claimed)
}

func TestNonRetryableErrorDeadLettersImmediately(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	broker := newFakeBroker()
	broker.failAll = errors.New("payload rejected")

	publisher := newTestPublisher(t, store, broker,
		WithRetryClassifier(RetryClassifierFunc(func(err error) bool {
			return err != nil
		})),
	)

	messages := seedPending(t, store, 1)

	publisher.DrainOnce(context.Background())

	assert.Equal(t, StatusDeadLetter, store.statusOf(t, messages[0].ID))
}

func TestReplayDeadLetterMakesMessageClaimable(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	broker := newFakeBroker()
	publisher := newTestPublisher(t, store, broker,
		WithRetryClassifier(RetryClassifierFunc(func(error) bool { return true })),
	)

	messages := seedPending(t, store, 1)
	broker.failAll = errors.New("bad message")

	publisher.DrainOnce(context.Background())
	require.Equal(t, StatusDeadLetter, store.statusOf(t, messages[0].ID))

	dead, err := publisher.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	broker.failAll = nil
	require.NoError(t, publisher.Replay(context.Background(), messages[0].ID))

	result := publisher.DrainOnce(context.Background())
	assert.Equal(t, 1, result.Published)
}

func TestScheduledMessageClaimedOnlyWhenDue(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	broker := newFakeBroker()
	publisher := newTestPublisher(t, store, broker)

	future := mustMessage(t, WithScheduledAt(time.Now().Add(time.Hour)))
	due := mustMessage(t, WithScheduledAt(time.Now().Add(-time.Minute)))
	require.NoError(t, store.CreateBatch(context.Background(), []*Message{future, due}))

	result := publisher.DrainOnce(context.Background())

	assert.Equal(t, 1, result.Claimed)
	assert.Equal(t, StatusPublished, store.statusOf(t, due.ID))
	assert.Equal(t, StatusScheduled, store.statusOf(t, future.ID))
}

func TestMarkPublishedConflictCountsAsStateUpdateFailure(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.markPubErr = ErrStateConflict
	broker := newFakeBroker()
	publisher := newTestPublisher(t, store, broker)

	seedPending(t, store, 1)

	result := publisher.DrainOnce(context.Background())

	assert.Equal(t, 1, result.StateUpdateFailed)
	assert.Zero(t, result.Published)
	// The broker publish still happened: at-least-once.
	assert.Equal(t, 1, broker.publishedCount())
}

func TestDrainOnceRunsStaleClaimRecovery(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	publisher := newTestPublisher(t, store, newFakeBroker(), WithClaimLease(10*time.Minute))

	publisher.DrainOnce(context.Background())

	require.Equal(t, 1, store.resetCalls)
	assert.WithinDuration(t, time.Now().Add(-10*time.Minute), store.resetOlderThan, time.Minute)
}

func TestPublishPendingReturnsPublishedCount(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	publisher := newTestPublisher(t, store, newFakeBroker())

	seedPending(t, store, 2)

	published, err := publisher.PublishPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, published)
}

func TestPublishPendingToleratesNilContext(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	publisher := newTestPublisher(t, store, newFakeBroker())

	seedPending(t, store, 1)

	var published int

	require.NotPanics(t, func() {
		var err error
		published, err = publisher.PublishPending(nil) //nolint:staticcheck
		require.NoError(t, err)
	})
	assert.Equal(t, 1, published)
}

func TestPublisherStatusSnapshot(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	broker := newFakeBroker()
	publisher := newTestPublisher(t, store, broker)

	messages := seedPending(t, store, 2)
	broker.failFor[messages[0].ID.String()] = errors.New("boom")

	publisher.DrainOnce(context.Background())

	status, err := publisher.Status(context.Background())
	require.NoError(t, err)

	assert.False(t, status.IsRunning)
	assert.Equal(t, int64(1), status.TotalPublished)
	assert.Equal(t, int64(1), status.TotalFailed)
	assert.Equal(t, "boom", status.LastError)
	assert.False(t, status.LastPublishedAt.IsZero())
}

func TestRunStopShutdownLifecycle(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	publisher := newTestPublisher(t, store, newFakeBroker(), WithPollInterval(10*time.Millisecond))

	seedPending(t, store, 1)

	runErr := make(chan error, 1)

	go func() {
		runErr <- publisher.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		status, err := publisher.Status(context.Background())

		return err == nil && status.TotalPublished == 1
	}, time.Second, 5*time.Millisecond)

	// A second Run while the first is active is rejected.
	require.ErrorIs(t, publisher.Run(context.Background()), ErrPublisherRunning)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, publisher.Shutdown(shutdownCtx))

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	publisher := newTestPublisher(t, newFakeStore(), newFakeBroker(), WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())

	runErr := make(chan error, 1)

	go func() {
		runErr <- publisher.Run(ctx)
	}()

	cancel()

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestCleanupDeletesOldPublishedRows(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	publisher := newTestPublisher(t, store, newFakeBroker())

	messages := seedPending(t, store, 1)
	publisher.DrainOnce(context.Background())
	require.Equal(t, StatusPublished, store.statusOf(t, messages[0].ID))

	// Not old enough yet.
	deleted, err := publisher.Cleanup(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	deleted, err = publisher.Cleanup(context.Background(), -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.GetByID(context.Background(), messages[0].ID)
	require.ErrorIs(t, err, ErrMessageNotFound)
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()

	store := newFakeStore()

	var (
		mu          sync.Mutex
		inFlight    int
		maxInFlight int
	)

	broker := BrokerFunc(func(context.Context, Delivery) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()

		return nil
	})

	publisher := newTestPublisher(t, store, broker, WithWorkers(2), WithBatchSize(10))

	seedPending(t, store, 10)

	result := publisher.DrainOnce(context.Background())

	assert.Equal(t, 10, result.Published)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxInFlight, 2)
	assert.GreaterOrEqual(t, maxInFlight, 1)
}

func TestStatusPropagatesCountError(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.countErr = errors.New("count failed")

	publisher := newTestPublisher(t, store, newFakeBroker())

	_, err := publisher.Status(context.Background())
	require.Error(t, err)
}

func TestReplayUnknownMessageFails(t *testing.T) {
	t.Parallel()

	publisher := newTestPublisher(t, newFakeStore(), newFakeBroker())

	err := publisher.Replay(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrMessageNotFound)
}
