package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store abstracts durable outbox persistence. Implementations must make
// every conditional update guard on the current status and report a lost
// race as ErrStateConflict, so two publisher instances sharing one table
// never double-publish a row.
type Store interface {
	// CreateBatch persists staged messages atomically: either every message
	// in the batch becomes visible or none does.
	CreateBatch(ctx context.Context, messages []*Message) error

	// ClaimBatch atomically moves up to limit due messages to PROCESSING and
	// returns them. Due means PENDING, SCHEDULED with scheduled_at <= now, or
	// FAILED with next_retry_at <= now. Ordered by priority descending then
	// created_at ascending. Rows locked by a concurrent claimer are skipped,
	// not waited on.
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]*Message, error)

	// MarkPublished transitions a PROCESSING message to PUBLISHED.
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error

	// MarkFailed transitions a PROCESSING message to FAILED with the given
	// sanitized error and retry schedule, or straight to DEAD_LETTER once
	// retryCount exceeds maxRetries (or when nextRetryAt is nil).
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt *time.Time, maxRetries int) error

	// ResetStuckProcessing returns PROCESSING rows older than olderThan to
	// PENDING and reports how many were reset. This is the stale-lease
	// recovery sweep for crashed publisher instances.
	ResetStuckProcessing(ctx context.Context, limit int, olderThan time.Time) (int, error)

	// ListDeadLetters returns up to limit DEAD_LETTER rows, oldest first.
	ListDeadLetters(ctx context.Context, limit int) ([]*Message, error)

	// ReplayDeadLetter resets a DEAD_LETTER row to PENDING with a zeroed
	// retry budget. Explicit operator action, never called automatically.
	ReplayDeadLetter(ctx context.Context, id uuid.UUID) error

	// DeleteScheduled removes a SCHEDULED row that has not been claimed yet.
	// Returns false when the row was already claimed, published, or deleted;
	// used by timeout cancellation.
	DeleteScheduled(ctx context.Context, id uuid.UUID) (bool, error)

	// DeletePublishedBefore deletes PUBLISHED rows older than cutoff and
	// reports how many were removed. DEAD_LETTER rows are never deleted here.
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int, error)

	// GetByID returns a snapshot of a single message or ErrMessageNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)

	// CountByStatus returns the number of rows currently in the given status.
	CountByStatus(ctx context.Context, status Status) (int, error)
}
