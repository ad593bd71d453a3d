package saga

import "errors"

var (
	// ErrNotFound indicates that no saga instance exists for the
	// requested saga id.
	ErrNotFound = errors.New("saga instance not found")

	// ErrAlreadyExists indicates that an instance with the same saga id
	// was created concurrently.
	ErrAlreadyExists = errors.New("saga instance already exists")

	// ErrVersionConflict indicates that the instance was modified by
	// another writer between the read and the update.
	ErrVersionConflict = errors.New("saga instance version conflict")

	// ErrConflictRetriesExhausted indicates that the orchestrator gave up
	// after repeated version conflicts on the same message.
	ErrConflictRetriesExhausted = errors.New("saga conflict retries exhausted")

	// ErrInstanceTerminal indicates an attempt to transition an instance
	// that has already completed or faulted.
	ErrInstanceTerminal = errors.New("saga instance is terminal")

	// ErrSagaIDRequired indicates a missing saga id.
	ErrSagaIDRequired = errors.New("saga id is required")

	// ErrSagaTypeRequired indicates a missing saga type.
	ErrSagaTypeRequired = errors.New("saga type is required")

	// ErrStateRequired indicates a missing target state.
	ErrStateRequired = errors.New("saga state is required")

	// ErrCorrelationIDRequired indicates that the definition produced an
	// empty correlation id for a message.
	ErrCorrelationIDRequired = errors.New("saga correlation id is required")

	// ErrDefinitionRequired indicates that no definition was provided.
	ErrDefinitionRequired = errors.New("saga definition is required")

	// ErrStoreRequired indicates that no saga store was provided.
	ErrStoreRequired = errors.New("saga store is required")

	// ErrBusRequired indicates that no transactional outbox bus was
	// provided for the unit of work.
	ErrBusRequired = errors.New("transactional bus is required")

	// ErrMessageTypeRequired indicates an incoming message without a type.
	ErrMessageTypeRequired = errors.New("message type is required")

	// ErrTimeoutNotTracked indicates a cancel request for a timeout id
	// that is not recorded on the instance.
	ErrTimeoutNotTracked = errors.New("timeout id is not tracked by the instance")

	// ErrSweeperRunning indicates that Run was called on a sweeper that is
	// already running.
	ErrSweeperRunning = errors.New("saga sweeper is already running")
)
