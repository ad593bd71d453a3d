package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MeridioStudio/lib-relay/relay/backoff"
	"github.com/MeridioStudio/lib-relay/relay/log"
	"github.com/MeridioStudio/lib-relay/relay/runtime"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Publisher drains the outbox in the background and hands messages to the
// broker boundary. Delivery is at-least-once: the broker publish happens
// before the row is marked PUBLISHED, so consumers must stay idempotent.
type Publisher struct {
	store           Store
	broker          Broker
	retryClassifier RetryClassifier
	logger          log.Logger
	tracer          trace.Tracer
	cfg             PublisherConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	drainWg    sync.WaitGroup

	totalPublished  atomic.Int64
	totalFailed     atomic.Int64
	statusMu        sync.Mutex
	lastPublishedAt time.Time
	lastError       string

	metrics publisherMetrics
}

// DrainResult captures one drain cycle outcome.
type DrainResult struct {
	Claimed           int
	Published         int
	Failed            int
	StateUpdateFailed int
}

// PublisherStatus is a point-in-time publisher snapshot.
type PublisherStatus struct {
	IsRunning       bool
	TotalPublished  int64
	TotalFailed     int64
	PendingCount    int
	LastPublishedAt time.Time
	LastError       string
}

// NewPublisher creates a publisher over the given store and broker. A nil
// logger or tracer falls back to a no-op implementation.
func NewPublisher(store Store, broker Broker, logger log.Logger, tracer trace.Tracer, opts ...PublisherOption) (*Publisher, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if broker == nil {
		return nil, ErrBrokerRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("relay.noop")
	}

	publisher := &Publisher{
		store:  store,
		broker: broker,
		logger: logger,
		tracer: tracer,
		cfg:    DefaultPublisherConfig(),
		stop:   make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	publisher.cfg.normalize()

	metrics, err := newPublisherMetrics(publisher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	publisher.metrics = metrics

	return publisher, nil
}

// Run starts the drain loop and blocks until Stop is called or ctx is
// cancelled. A second concurrent Run returns ErrPublisherRunning.
func (publisher *Publisher) Run(parentCtx context.Context) error {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !publisher.registerRun(cancel) {
		cancel()

		return ErrPublisherRunning
	}

	defer publisher.clearRun()
	defer runtime.RecoverAndLog(ctx, publisher.logger, "outbox.publisher_run")

	publisher.logger.Log(ctx, log.LevelInfo, "outbox publisher started",
		log.Duration("poll_interval", publisher.cfg.PollInterval),
		log.Int("batch_size", publisher.cfg.BatchSize),
		log.Int("workers", publisher.cfg.Workers),
	)
	defer publisher.logger.Log(ctx, log.LevelInfo, "outbox publisher stopped")

	ticker := time.NewTicker(publisher.cfg.PollInterval)
	defer ticker.Stop()

	publisher.drainCycle(ctx, "outbox.publisher.initial_drain")

	for {
		select {
		case <-publisher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-publisher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			publisher.drainCycle(ctx, "outbox.publisher.drain_once")
		}
	}
}

func (publisher *Publisher) drainCycle(ctx context.Context, spanName string) {
	publisher.drainWg.Add(1)
	defer publisher.drainWg.Done()

	cycleCtx, span := publisher.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.RecoverAndLog(cycleCtx, publisher.logger, "outbox.publisher_cycle")

	publisher.DrainOnce(cycleCtx)
}

// Stop signals the drain loop to stop. Safe to call more than once.
func (publisher *Publisher) Stop() {
	if publisher == nil {
		return
	}

	publisher.stopOnce.Do(func() {
		publisher.runStateMu.Lock()
		cancel := publisher.cancelFunc
		publisher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(publisher.stop)
	})
}

// Shutdown stops the loop and waits for the in-flight drain cycle.
func (publisher *Publisher) Shutdown(ctx context.Context) error {
	if publisher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	publisher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(ctx, publisher.logger, "outbox.publisher_shutdown_wait", func() {
		publisher.drainWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publisher shutdown: %w", ctx.Err())
	}
}

// PublishPending runs one manual drain cycle and returns how many messages
// were published.
func (publisher *Publisher) PublishPending(ctx context.Context) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	result := publisher.DrainOnce(ctx)

	return result.Published, ctx.Err()
}

// DrainOnce executes one full drain cycle: recover stale claims, claim a
// batch, publish through the worker pool, and persist outcomes.
func (publisher *Publisher) DrainOnce(ctx context.Context) DrainResult {
	if publisher == nil {
		return DrainResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now().UTC()

	ctx, span := publisher.tracer.Start(ctx, "outbox.drain")
	defer span.End()

	publisher.recoverStaleClaims(ctx)

	claimed, err := publisher.store.ClaimBatch(ctx, publisher.cfg.BatchSize, time.Now().UTC())
	if err != nil {
		publisher.recordError(err)
		publisher.logger.Log(ctx, log.LevelError, "outbox claim failed", log.Err(err))

		return DrainResult{}
	}

	publisher.metrics.claimedDepth.Record(ctx, int64(len(claimed)))

	result := publisher.publishBatch(ctx, claimed)

	publisher.metrics.cycleLatency.Record(ctx, time.Since(start).Seconds())

	if result.Claimed > 0 {
		publisher.logger.Log(ctx, log.LevelDebug, "outbox drain cycle finished",
			log.Int("claimed", result.Claimed),
			log.Int("published", result.Published),
			log.Int("failed", result.Failed),
		)
	}

	return result
}

// publishBatch fans claimed messages out to the worker pool and aggregates
// per-message outcomes.
func (publisher *Publisher) publishBatch(ctx context.Context, claimed []*Message) DrainResult {
	result := DrainResult{Claimed: len(claimed)}
	if len(claimed) == 0 {
		return result
	}

	workers := publisher.cfg.Workers
	if workers > len(claimed) {
		workers = len(claimed)
	}

	jobs := make(chan *Message)

	var (
		resultMu sync.Mutex
		workerWg sync.WaitGroup
	)

	for range workers {
		workerWg.Add(1)

		go func() {
			defer workerWg.Done()
			defer runtime.RecoverAndLog(ctx, publisher.logger, "outbox.publish_worker")

			for message := range jobs {
				outcome := publisher.publishOne(ctx, message)

				resultMu.Lock()
				result.Published += outcome.Published
				result.Failed += outcome.Failed
				result.StateUpdateFailed += outcome.StateUpdateFailed
				resultMu.Unlock()
			}
		}()
	}

	for _, message := range claimed {
		if ctx.Err() != nil {
			break
		}

		if message == nil {
			continue
		}

		jobs <- message
	}

	close(jobs)
	workerWg.Wait()

	return result
}

func (publisher *Publisher) publishOne(ctx context.Context, message *Message) DrainResult {
	if err := publisher.broker.Publish(ctx, NewDelivery(message)); err != nil {
		publisher.handlePublishError(ctx, message, err)

		return DrainResult{Failed: 1}
	}

	publishedAt := time.Now().UTC()

	if err := publisher.store.MarkPublished(ctx, message.ID, publishedAt); err != nil {
		// The broker already has the message; the row will be re-claimed
		// and re-published, which at-least-once delivery permits.
		publisher.metrics.stateUpdateFailed.Add(ctx, 1)
		publisher.recordError(err)
		publisher.logger.Log(ctx, log.LevelError, "outbox message published but state update failed",
			log.String("message_id", message.ID.String()), log.Err(err))

		return DrainResult{StateUpdateFailed: 1}
	}

	publisher.totalPublished.Add(1)
	publisher.metrics.messagesPublished.Add(ctx, 1)
	publisher.recordPublished(publishedAt)

	return DrainResult{Published: 1}
}

func (publisher *Publisher) handlePublishError(ctx context.Context, message *Message, publishErr error) {
	publisher.totalFailed.Add(1)
	publisher.metrics.messagesFailed.Add(ctx, 1)
	publisher.recordError(publishErr)

	sanitized := sanitizeErrorForStorage(publishErr)

	if publisher.retryClassifier != nil && publisher.retryClassifier.IsNonRetryable(publishErr) {
		publisher.metrics.messagesDeadLetter.Add(ctx, 1)
		publisher.logger.Log(ctx, log.LevelWarn, "outbox message dead-lettered (non-retryable)",
			log.String("message_id", message.ID.String()),
			log.String("message_type", message.MessageType),
			log.Err(publishErr),
		)

		// A nil retry schedule dead-letters regardless of the retry budget.
		if err := publisher.store.MarkFailed(ctx, message.ID, sanitized, nil, publisher.cfg.MaxRetries); err != nil {
			publisher.logStateUpdateFailure(ctx, message.ID, err)
		}

		return
	}

	nextRetryAt := time.Now().UTC().Add(backoff.ExponentialCapped(
		publisher.cfg.RetryBackoffBase,
		message.RetryCount,
		publisher.cfg.RetryBackoffMax,
	))

	exhausted := message.RetryCount+1 > publisher.cfg.MaxRetries
	if exhausted {
		publisher.metrics.messagesDeadLetter.Add(ctx, 1)
	}

	publisher.logger.Log(ctx, log.LevelWarn, "outbox publish failed",
		log.String("message_id", message.ID.String()),
		log.String("message_type", message.MessageType),
		log.Int("retry_count", message.RetryCount+1),
		log.Bool("dead_lettered", exhausted),
		log.Err(publishErr),
	)

	if err := publisher.store.MarkFailed(ctx, message.ID, sanitized, &nextRetryAt, publisher.cfg.MaxRetries); err != nil {
		publisher.logStateUpdateFailure(ctx, message.ID, err)
	}
}

func (publisher *Publisher) logStateUpdateFailure(ctx context.Context, id uuid.UUID, err error) {
	publisher.metrics.stateUpdateFailed.Add(ctx, 1)

	level := log.LevelError
	if errors.Is(err, ErrStateConflict) {
		// Another instance already moved the row; its outcome wins.
		level = log.LevelWarn
	}

	publisher.logger.Log(ctx, level, "outbox failure state update failed",
		log.String("message_id", id.String()), log.Err(err))
}

// recoverStaleClaims resets PROCESSING rows abandoned past the claim lease.
func (publisher *Publisher) recoverStaleClaims(ctx context.Context) {
	olderThan := time.Now().UTC().Add(-publisher.cfg.ClaimLease)

	reset, err := publisher.store.ResetStuckProcessing(ctx, publisher.cfg.StuckResetLimit, olderThan)
	if err != nil {
		publisher.logger.Log(ctx, log.LevelError, "stale claim recovery failed", log.Err(err))

		return
	}

	if reset > 0 {
		publisher.logger.Log(ctx, log.LevelWarn, "reset stale processing claims",
			log.Int("count", reset),
			log.Duration("claim_lease", publisher.cfg.ClaimLease),
		)
	}
}

// Status returns a snapshot of the publisher, including the current number
// of PENDING rows in the store.
func (publisher *Publisher) Status(ctx context.Context) (PublisherStatus, error) {
	pendingCount, err := publisher.store.CountByStatus(ctx, StatusPending)
	if err != nil {
		return PublisherStatus{}, fmt.Errorf("count pending messages: %w", err)
	}

	publisher.runStateMu.Lock()
	running := publisher.running
	publisher.runStateMu.Unlock()

	publisher.statusMu.Lock()
	lastPublishedAt := publisher.lastPublishedAt
	lastError := publisher.lastError
	publisher.statusMu.Unlock()

	return PublisherStatus{
		IsRunning:       running,
		TotalPublished:  publisher.totalPublished.Load(),
		TotalFailed:     publisher.totalFailed.Load(),
		PendingCount:    pendingCount,
		LastPublishedAt: lastPublishedAt,
		LastError:       lastError,
	}, nil
}

// Cleanup deletes PUBLISHED rows older than the retention window.
// DEAD_LETTER rows are kept until an operator acts on them.
func (publisher *Publisher) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	deleted, err := publisher.store.DeletePublishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup published messages: %w", err)
	}

	if deleted > 0 {
		publisher.logger.Log(ctx, log.LevelInfo, "cleaned up published outbox messages",
			log.Int("deleted", deleted))
	}

	return deleted, nil
}

// DeadLetters lists terminally failed messages for operator inspection.
func (publisher *Publisher) DeadLetters(ctx context.Context, limit int) ([]*Message, error) {
	return publisher.store.ListDeadLetters(ctx, limit)
}

// Replay resets a dead-lettered message to PENDING. Explicit operator
// action; the publisher never replays automatically.
func (publisher *Publisher) Replay(ctx context.Context, id uuid.UUID) error {
	if err := publisher.store.ReplayDeadLetter(ctx, id); err != nil {
		return fmt.Errorf("replay dead letter %s: %w", id, err)
	}

	publisher.logger.Log(ctx, log.LevelInfo, "dead-lettered message replayed",
		log.String("message_id", id.String()))

	return nil
}

func (publisher *Publisher) registerRun(cancel context.CancelFunc) bool {
	publisher.runStateMu.Lock()
	defer publisher.runStateMu.Unlock()

	if publisher.running {
		return false
	}

	publisher.running = true
	publisher.cancelFunc = cancel

	return true
}

func (publisher *Publisher) clearRun() {
	publisher.runStateMu.Lock()
	defer publisher.runStateMu.Unlock()

	publisher.running = false
	publisher.cancelFunc = nil
}

func (publisher *Publisher) recordPublished(publishedAt time.Time) {
	publisher.statusMu.Lock()
	defer publisher.statusMu.Unlock()

	if publishedAt.After(publisher.lastPublishedAt) {
		publisher.lastPublishedAt = publishedAt
	}
}

func (publisher *Publisher) recordError(err error) {
	publisher.statusMu.Lock()
	defer publisher.statusMu.Unlock()

	publisher.lastError = SanitizeErrorMessage(err.Error())
}
