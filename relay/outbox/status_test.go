//go:build unit

package outbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"PENDING", "SCHEDULED", "PROCESSING", "PUBLISHED", "FAILED", "DEAD_LETTER"} {
		status, err := ParseStatus(raw)
		require.NoError(t, err)
		assert.Equal(t, raw, status.String())
	}

	_, err := ParseStatus("pending")
	require.ErrorIs(t, err, ErrStatusInvalid)

	_, err = ParseStatus("")
	require.ErrorIs(t, err, ErrStatusInvalid)
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to Status }{
		{StatusPending, StatusProcessing},
		{StatusScheduled, StatusPending},
		{StatusScheduled, StatusProcessing},
		{StatusProcessing, StatusPublished},
		{StatusProcessing, StatusFailed},
		{StatusProcessing, StatusPending},
		{StatusFailed, StatusProcessing},
		{StatusFailed, StatusDeadLetter},
		{StatusDeadLetter, StatusPending},
	}

	for _, tc := range allowed {
		assert.True(t, tc.from.CanTransitionTo(tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct{ from, to Status }{
		{StatusPublished, StatusPending},
		{StatusPublished, StatusProcessing},
		{StatusPending, StatusPublished},
		{StatusPending, StatusFailed},
		{StatusDeadLetter, StatusProcessing},
		{StatusFailed, StatusPublished},
		{StatusScheduled, StatusPublished},
	}

	for _, tc := range denied {
		assert.False(t, tc.from.CanTransitionTo(tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateTransition("PENDING", "PROCESSING"))

	err := ValidateTransition("PUBLISHED", "PENDING")
	require.ErrorIs(t, err, ErrTransitionInvalid)

	err = ValidateTransition("bogus", "PENDING")
	require.ErrorIs(t, err, ErrStatusInvalid)
}

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusPublished.IsTerminal())
	assert.True(t, StatusDeadLetter.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.False(t, StatusFailed.IsTerminal())
	assert.False(t, StatusScheduled.IsTerminal())
}
