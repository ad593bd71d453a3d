//go:build unit

package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestMaintenance(t *testing.T, opts ...MaintenanceOption) *Maintenance {
	t.Helper()

	publisher := newTestPublisher(t, newFakeStore(), newFakeBroker())

	maintenance, err := NewMaintenance(publisher, opts...)
	require.NoError(t, err)

	return maintenance
}

func TestNewMaintenanceValidation(t *testing.T) {
	t.Parallel()

	_, err := NewMaintenance(nil)
	require.Error(t, err)

	publisher := newTestPublisher(t, newFakeStore(), newFakeBroker())

	_, err = NewMaintenance(publisher, WithCleanupSchedule("not a cron expr"))
	require.ErrorIs(t, err, ErrScheduleRequired)
}

func TestMaintenanceStopUnblocksRun(t *testing.T) {
	t.Parallel()

	maintenance := newTestMaintenance(t, WithCleanupSchedule("* * * * *"))

	runErr := make(chan error, 1)

	go func() {
		runErr <- maintenance.Run(context.Background())
	}()

	// Give the loop time to park in its sleep before stopping.
	time.Sleep(10 * time.Millisecond)
	maintenance.Stop()

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}

	// Stop is idempotent.
	maintenance.Stop()
}

func TestMaintenanceRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	maintenance := newTestMaintenance(t, WithCleanupSchedule("* * * * *"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)

	go func() {
		runErr <- maintenance.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		maintenance.runStateMu.Lock()
		defer maintenance.runStateMu.Unlock()

		return maintenance.running
	}, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, maintenance.Run(context.Background()), ErrMaintenanceRunning)

	cancel()

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
