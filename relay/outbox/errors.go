package outbox

import "errors"

var (
	ErrMessageRequired     = errors.New("outbox message is required")
	ErrMessageTypeRequired = errors.New("message type is required")
	ErrStoreRequired       = errors.New("outbox store is required")
	ErrBrokerRequired      = errors.New("broker is required")
	ErrBusRequired         = errors.New("transactional bus is required")
	ErrPublisherRunning    = errors.New("outbox publisher is already running")
	ErrPayloadRequired     = errors.New("message payload is required")
	ErrPayloadTooLarge     = errors.New("message payload exceeds maximum allowed size")
	ErrPayloadNotJSON      = errors.New("message payload must be valid JSON (stored as JSONB)")
	ErrStatusInvalid       = errors.New("invalid outbox status")
	ErrTransitionInvalid   = errors.New("invalid outbox status transition")
	ErrStateConflict       = errors.New("outbox message state changed concurrently")
	ErrMessageNotFound     = errors.New("outbox message not found")
	ErrMaintenanceRunning  = errors.New("maintenance worker is already running")
	ErrScheduleRequired    = errors.New("maintenance schedule is required")
)
