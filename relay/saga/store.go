package saga

import (
	"context"
	"time"
)

// Store persists saga instances with optimistic concurrency.
type Store[TData any] interface {
	// Find loads the instance for the saga id, or ErrNotFound.
	Find(ctx context.Context, sagaID string) (*Instance[TData], error)

	// Create persists a new instance, or ErrAlreadyExists when another
	// writer created the same saga id first.
	Create(ctx context.Context, instance *Instance[TData]) error

	// Update persists the instance only if the stored version still
	// equals expectedVersion, then increments instance.Version. A stale
	// expectation yields ErrVersionConflict; a missing row ErrNotFound.
	Update(ctx context.Context, instance *Instance[TData], expectedVersion int64) error

	// FindTimedOut lists non-terminal instances not updated since the
	// threshold, oldest first.
	FindTimedOut(ctx context.Context, threshold time.Time, limit int) ([]*Instance[TData], error)

	// FindFaulted lists faulted instances, oldest first.
	FindFaulted(ctx context.Context, limit int) ([]*Instance[TData], error)
}
