package outbox

import "fmt"

// Status represents a valid outbox message lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusScheduled  Status = "SCHEDULED"
	StatusProcessing Status = "PROCESSING"
	StatusPublished  Status = "PUBLISHED"
	StatusFailed     Status = "FAILED"
	StatusDeadLetter Status = "DEAD_LETTER"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusScheduled, StatusProcessing, StatusPublished, StatusFailed, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status admits no automatic transition.
// DEAD_LETTER is terminal for the publisher loop; only an explicit operator
// replay moves it back to PENDING.
func (status Status) IsTerminal() bool {
	return status == StatusPublished || status == StatusDeadLetter
}

// CanTransitionTo reports whether a transition from status to next is allowed.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusProcessing
	case StatusScheduled:
		return next == StatusPending || next == StatusProcessing
	case StatusProcessing:
		// PROCESSING -> PENDING covers stale-claim recovery after a crash.
		return next == StatusPublished || next == StatusFailed || next == StatusPending
	case StatusFailed:
		return next == StatusProcessing || next == StatusDeadLetter
	case StatusDeadLetter:
		// Operator replay only, never automatic.
		return next == StatusPending
	case StatusPublished:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a status transition using typed lifecycle rules.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
