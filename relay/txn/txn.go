package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/MeridioStudio/lib-relay/relay/log"
)

var (
	// ErrNilDB is returned when Begin is called without a database handle.
	ErrNilDB = errors.New("database handle is nil")
	// ErrNilResource is returned when a nil resource is enlisted.
	ErrNilResource = errors.New("resource is nil")
	// ErrFinished is returned when a unit of work is used after Commit or Rollback.
	ErrFinished = errors.New("unit of work already finished")
	// ErrPrepareFailed wraps a resource prepare error that forced a rollback.
	ErrPrepareFailed = errors.New("resource prepare failed")
)

// Resource participates in the outcome of a unit of work. The four
// callbacks model a two-phase-commit resource manager:
//
//   - Prepare runs before the SQL commit and must be side-effect free;
//     returning an error forces a rollback of the whole unit of work.
//   - Commit runs after the SQL transaction has committed. Failures here
//     cannot affect the already-committed transaction, so the callback
//     returns nothing; resources handle their own failure policy.
//   - Rollback runs after the SQL transaction has been rolled back.
//   - InDoubt runs when the transaction outcome is unknown (for example a
//     connection failure during commit). Resources should discard staged
//     work rather than risk acting on a transaction that may have failed.
type Resource interface {
	Prepare(ctx context.Context) error
	Commit(ctx context.Context)
	Rollback(ctx context.Context)
	InDoubt(ctx context.Context)
}

// Option configures a UnitOfWork.
type Option func(*UnitOfWork)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(logger log.Logger) Option {
	return func(u *UnitOfWork) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// WithTxOptions sets the sql.TxOptions used when beginning the transaction.
func WithTxOptions(opts *sql.TxOptions) Option {
	return func(u *UnitOfWork) {
		u.txOptions = opts
	}
}

// UnitOfWork binds a *sql.Tx to a set of enlisted resources and drives
// both to a single outcome. It is not safe for concurrent use; a unit of
// work belongs to one goroutine from Begin to Commit or Rollback.
type UnitOfWork struct {
	tx        *sql.Tx
	txOptions *sql.TxOptions
	logger    log.Logger
	resources []Resource
	finished  bool
}

// Begin starts a SQL transaction and wraps it in a UnitOfWork.
func Begin(ctx context.Context, db *sql.DB, opts ...Option) (*UnitOfWork, error) {
	if db == nil {
		return nil, ErrNilDB
	}

	unitOfWork := &UnitOfWork{
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		opt(unitOfWork)
	}

	tx, err := db.BeginTx(ctx, unitOfWork.txOptions)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	unitOfWork.tx = tx

	return unitOfWork, nil
}

// Tx exposes the underlying transaction for business writes.
func (u *UnitOfWork) Tx() *sql.Tx {
	return u.tx
}

// Enlist registers a resource for outcome callbacks. Enlisting after the
// unit of work finished returns ErrFinished.
func (u *UnitOfWork) Enlist(resource Resource) error {
	if resource == nil {
		return ErrNilResource
	}

	if u.finished {
		return ErrFinished
	}

	u.resources = append(u.resources, resource)

	return nil
}

// Commit drives the unit of work to completion. All enlisted resources are
// prepared first; a prepare error rolls back the SQL transaction, notifies
// every resource via Rollback, and returns the error wrapped in
// ErrPrepareFailed. A failure of the SQL commit itself leaves the outcome
// unknown, so resources are notified via InDoubt. After a successful
// commit every resource's Commit callback runs on the calling goroutine.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.finished {
		return ErrFinished
	}

	u.finished = true

	for _, resource := range u.resources {
		if err := resource.Prepare(ctx); err != nil {
			u.rollbackAfterPrepareFailure(ctx, err)

			return fmt.Errorf("%w: %w", ErrPrepareFailed, err)
		}
	}

	if err := u.tx.Commit(); err != nil {
		u.logger.Log(ctx, log.LevelError, "transaction commit outcome unknown", log.Err(err))

		for _, resource := range u.resources {
			resource.InDoubt(ctx)
		}

		return fmt.Errorf("commit transaction: %w", err)
	}

	for _, resource := range u.resources {
		resource.Commit(ctx)
	}

	return nil
}

// Rollback aborts the unit of work and notifies every enlisted resource.
// Calling Rollback on a finished unit of work is a no-op returning
// ErrFinished.
func (u *UnitOfWork) Rollback(ctx context.Context) error {
	if u.finished {
		return ErrFinished
	}

	u.finished = true

	err := u.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		u.logger.Log(ctx, log.LevelError, "transaction rollback failed", log.Err(err))
	}

	for _, resource := range u.resources {
		resource.Rollback(ctx)
	}

	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback transaction: %w", err)
	}

	return nil
}

func (u *UnitOfWork) rollbackAfterPrepareFailure(ctx context.Context, prepareErr error) {
	if err := u.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		u.logger.Log(ctx, log.LevelError, "rollback after prepare failure failed",
			log.Err(err), log.String("prepare_error", prepareErr.Error()))
	}

	for _, resource := range u.resources {
		resource.Rollback(ctx)
	}
}
