package outbox

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
	defaultCleanupSchedule  = "0 3 * * *"
	defaultCleanupRetention = 7 * 24 * time.Hour
)

// Maintenance periodically deletes old PUBLISHED rows on a cron schedule.
// DEAD_LETTER rows are never touched; they wait for an operator.
type Maintenance struct {
	publisher *Publisher
	schedule  cron.Schedule
	retention time.Duration
	logger    log.Logger

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
}

// MaintenanceOption configures the maintenance worker.
type MaintenanceOption func(*maintenanceSettings)

type maintenanceSettings struct {
	schedule  string
	retention time.Duration
	logger    log.Logger
}

// WithCleanupSchedule sets the 5-field cron expression for cleanup runs.
func WithCleanupSchedule(expr string) MaintenanceOption {
	return func(settings *maintenanceSettings) {
		if expr != "" {
			settings.schedule = expr
		}
	}
}

// WithCleanupRetention sets how long PUBLISHED rows are kept.
func WithCleanupRetention(retention time.Duration) MaintenanceOption {
	return func(settings *maintenanceSettings) {
		if retention > 0 {
			settings.retention = retention
		}
	}
}

// WithMaintenanceLogger sets the worker's logger.
func WithMaintenanceLogger(logger log.Logger) MaintenanceOption {
	return func(settings *maintenanceSettings) {
		if logger != nil {
			settings.logger = logger
		}
	}
}

// NewMaintenance creates the cleanup worker for the given publisher.
func NewMaintenance(publisher *Publisher, opts ...MaintenanceOption) (*Maintenance, error) {
	if publisher == nil {
		return nil, ErrStoreRequired
	}

	settings := maintenanceSettings{
		schedule:  defaultCleanupSchedule,
		retention: defaultCleanupRetention,
		logger:    log.NewNop(),
	}

	for _, opt := range opts {
		opt(&settings)
	}

	schedule, err := cron.Parse(settings.schedule)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScheduleRequired, err)
	}

	return &Maintenance{
		publisher: publisher,
		schedule:  schedule,
		retention: settings.retention,
		logger:    settings.logger,
		stop:      make(chan struct{}),
	}, nil
}

// Run blocks running cleanup at every scheduled time until Stop is called
// or ctx is cancelled.
func (maintenance *Maintenance) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !maintenance.registerRun() {
		return ErrMaintenanceRunning
	}

	defer maintenance.clearRun()
	defer runtime.RecoverAndLog(ctx, maintenance.logger, "outbox.maintenance_run")

	maintenance.logger.Log(ctx, log.LevelInfo, "outbox maintenance started",
		log.Duration("retention", maintenance.retention))
	defer maintenance.logger.Log(ctx, log.LevelInfo, "outbox maintenance stopped")

	for {
		next, err := maintenance.schedule.Next(time.Now().UTC())
		if err != nil {
			return fmt.Errorf("compute next cleanup run: %w", err)
		}

		if err := maintenance.sleepUntil(ctx, next); err != nil {
			return nil //nolint:nilerr // cancellation is a clean stop
		}

		if _, err := maintenance.publisher.Cleanup(ctx, maintenance.retention); err != nil {
			maintenance.logger.Log(ctx, log.LevelError, "outbox cleanup run failed", log.Err(err))
		}
	}
}

// Stop signals the maintenance loop to stop. Safe to call more than once.
func (maintenance *Maintenance) Stop() {
	if maintenance == nil {
		return
	}

	maintenance.stopOnce.Do(func() {
		close(maintenance.stop)
	})
}

func (maintenance *Maintenance) sleepUntil(ctx context.Context, next time.Time) error {
	stopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-maintenance.stop:
			cancel()
		case <-stopCtx.Done():
		}
	}()

	return backoff.SleepWithContext(stopCtx, time.Until(next))
}

func (maintenance *Maintenance) registerRun() bool {
	maintenance.runStateMu.Lock()
	defer maintenance.runStateMu.Unlock()

	if maintenance.running {
		return false
	}

	maintenance.running = true

	return true
}

func (maintenance *Maintenance) clearRun() {
	maintenance.runStateMu.Lock()
	defer maintenance.runStateMu.Unlock()

	maintenance.running = false
}
