package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MeridioStudio/lib-relay/relay/backoff"
	"github.com/MeridioStudio/lib-relay/relay/cron"
	"github.com/MeridioStudio/lib-relay/relay/log"
	"github.com/MeridioStudio/lib-relay/relay/runtime"
)

const (
	defaultSweepSchedule  = "*/5 * * * *"
	defaultSweepThreshold = time.Hour
	defaultSweepLimit     = 100
)

// SweepHandler receives instances surfaced by a sweep run. Returning an
// error logs it; the sweep continues with the next instance.
type SweepHandler[TData any] func(ctx context.Context, instance *Instance[TData]) error

// Sweeper periodically surfaces stuck and faulted saga instances on a cron
// schedule. It never mutates instances itself; the handlers decide what to
// do (alerting, forced fault, operator queues).
type Sweeper[TData any] struct {
	store     Store[TData]
	schedule  cron.Schedule
	threshold time.Duration
	limit     int
	logger    log.Logger

	onTimedOut SweepHandler[TData]
	onFaulted  SweepHandler[TData]

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
}

// SweeperOption configures the sweeper.
type SweeperOption[TData any] func(*sweeperSettings[TData])

type sweeperSettings[TData any] struct {
	schedule   string
	threshold  time.Duration
	limit      int
	logger     log.Logger
	onTimedOut SweepHandler[TData]
	onFaulted  SweepHandler[TData]
}

// WithSweepSchedule sets the 5-field cron expression for sweep runs.
func WithSweepSchedule[TData any](expr string) SweeperOption[TData] {
	return func(settings *sweeperSettings[TData]) {
		if expr != "" {
			settings.schedule = expr
		}
	}
}

// WithSweepThreshold sets how long an instance may go without updates
// before being reported as timed out.
func WithSweepThreshold[TData any](threshold time.Duration) SweeperOption[TData] {
	return func(settings *sweeperSettings[TData]) {
		if threshold > 0 {
			settings.threshold = threshold
		}
	}
}

// WithSweepLimit caps the instances surfaced per category per run.
func WithSweepLimit[TData any](limit int) SweeperOption[TData] {
	return func(settings *sweeperSettings[TData]) {
		if limit > 0 {
			settings.limit = limit
		}
	}
}

// WithSweepLogger sets the sweeper's logger.
func WithSweepLogger[TData any](logger log.Logger) SweeperOption[TData] {
	return func(settings *sweeperSettings[TData]) {
		if logger != nil {
			settings.logger = logger
		}
	}
}

// WithTimedOutHandler sets the callback for instances that stopped making
// progress.
func WithTimedOutHandler[TData any](handler SweepHandler[TData]) SweeperOption[TData] {
	return func(settings *sweeperSettings[TData]) {
		settings.onTimedOut = handler
	}
}

// WithFaultedHandler sets the callback for faulted instances.
func WithFaultedHandler[TData any](handler SweepHandler[TData]) SweeperOption[TData] {
	return func(settings *sweeperSettings[TData]) {
		settings.onFaulted = handler
	}
}

// NewSweeper creates the periodic sweep worker over the given store.
func NewSweeper[TData any](store Store[TData], opts ...SweeperOption[TData]) (*Sweeper[TData], error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	settings := sweeperSettings[TData]{
		schedule:  defaultSweepSchedule,
		threshold: defaultSweepThreshold,
		limit:     defaultSweepLimit,
		logger:    log.NewNop(),
	}

	for _, opt := range opts {
		opt(&settings)
	}

	schedule, err := cron.Parse(settings.schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule: %w", err)
	}

	return &Sweeper[TData]{
		store:      store,
		schedule:   schedule,
		threshold:  settings.threshold,
		limit:      settings.limit,
		logger:     settings.logger,
		onTimedOut: settings.onTimedOut,
		onFaulted:  settings.onFaulted,
		stop:       make(chan struct{}),
	}, nil
}

// Run blocks sweeping at every scheduled time until Stop is called or ctx
// is cancelled.
func (sweeper *Sweeper[TData]) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !sweeper.registerRun() {
		return ErrSweeperRunning
	}

	defer sweeper.clearRun()
	defer runtime.RecoverAndLog(ctx, sweeper.logger, "saga.sweeper_run")

	sweeper.logger.Log(ctx, log.LevelInfo, "saga sweeper started",
		log.Duration("threshold", sweeper.threshold))
	defer sweeper.logger.Log(ctx, log.LevelInfo, "saga sweeper stopped")

	for {
		next, err := sweeper.schedule.Next(time.Now().UTC())
		if err != nil {
			return fmt.Errorf("compute next sweep run: %w", err)
		}

		if err := sweeper.sleepUntil(ctx, next); err != nil {
			return nil //nolint:nilerr // cancellation is a clean stop
		}

		sweeper.SweepOnce(ctx)
	}
}

// SweepOnce runs a single sweep cycle: timed-out instances first, then
// faulted ones. Store errors are logged, not returned, since the loop will
// try again on the next tick.
func (sweeper *Sweeper[TData]) SweepOnce(ctx context.Context) {
	threshold := time.Now().UTC().Add(-sweeper.threshold)

	timedOut, err := sweeper.store.FindTimedOut(ctx, threshold, sweeper.limit)
	if err != nil {
		sweeper.logger.Log(ctx, log.LevelError, "saga timed-out sweep failed", log.Err(err))
	} else {
		sweeper.dispatch(ctx, timedOut, sweeper.onTimedOut, "timed out")
	}

	faulted, err := sweeper.store.FindFaulted(ctx, sweeper.limit)
	if err != nil {
		sweeper.logger.Log(ctx, log.LevelError, "saga faulted sweep failed", log.Err(err))

		return
	}

	sweeper.dispatch(ctx, faulted, sweeper.onFaulted, "faulted")
}

// Stop signals the sweep loop to stop. Safe to call more than once.
func (sweeper *Sweeper[TData]) Stop() {
	if sweeper == nil {
		return
	}

	sweeper.stopOnce.Do(func() {
		close(sweeper.stop)
	})
}

func (sweeper *Sweeper[TData]) dispatch(ctx context.Context, instances []*Instance[TData], handler SweepHandler[TData], reason string) {
	for _, instance := range instances {
		if handler == nil {
			sweeper.logger.Log(ctx, log.LevelWarn, "saga instance "+reason,
				log.String("saga_id", instance.SagaID),
				log.String("saga_type", instance.SagaType),
				log.String("state", instance.CurrentState),
			)

			continue
		}

		if err := handler(ctx, instance); err != nil {
			sweeper.logger.Log(ctx, log.LevelError, "saga sweep handler failed",
				log.String("saga_id", instance.SagaID),
				log.Err(err),
			)
		}
	}
}

func (sweeper *Sweeper[TData]) sleepUntil(ctx context.Context, next time.Time) error {
	stopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-sweeper.stop:
			cancel()
		case <-stopCtx.Done():
		}
	}()

	return backoff.SleepWithContext(stopCtx, time.Until(next))
}

func (sweeper *Sweeper[TData]) registerRun() bool {
	sweeper.runStateMu.Lock()
	defer sweeper.runStateMu.Unlock()

	if sweeper.running {
		return false
	}

	sweeper.running = true

	return true
}

func (sweeper *Sweeper[TData]) clearRun() {
	sweeper.runStateMu.Lock()
	defer sweeper.runStateMu.Unlock()

	sweeper.running = false
}
