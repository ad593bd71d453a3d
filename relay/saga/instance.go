package saga

import (
	"encoding/json"
	"strings"
	"time"
)

// metadataCompletedSteps holds the JSON-encoded ordered list of completed
// step names used by compensation.
const metadataCompletedSteps = "completed_steps"

// Instance is one running (or finished) occurrence of a saga type,
// identified by its saga id. Version supports optimistic concurrency: the
// store increments it on every successful update and rejects writes whose
// expected version no longer matches.
type Instance[TData any] struct {
	SagaID        string
	SagaType      string
	Data          TData
	CurrentState  string
	Version       int64
	Completed     bool
	Faulted       bool
	FaultReason   string
	Metadata      map[string]string
	CreatedAt     time.Time
	LastUpdatedAt time.Time
}

// NewInstance creates an instance in the given initial state with version 1.
func NewInstance[TData any](sagaType, sagaID, initialState string, data TData) (*Instance[TData], error) {
	sagaType = strings.TrimSpace(sagaType)
	if sagaType == "" {
		return nil, ErrSagaTypeRequired
	}

	sagaID = strings.TrimSpace(sagaID)
	if sagaID == "" {
		return nil, ErrSagaIDRequired
	}

	initialState = strings.TrimSpace(initialState)
	if initialState == "" {
		return nil, ErrStateRequired
	}

	now := time.Now().UTC()

	return &Instance[TData]{
		SagaID:        sagaID,
		SagaType:      sagaType,
		Data:          data,
		CurrentState:  initialState,
		Version:       1,
		Metadata:      make(map[string]string),
		CreatedAt:     now,
		LastUpdatedAt: now,
	}, nil
}

// IsTerminal reports whether the instance has completed or faulted.
// Terminal instances reject further transitions.
func (instance *Instance[TData]) IsTerminal() bool {
	return instance.Completed || instance.Faulted
}

// TransitionTo moves the state machine to the given state.
func (instance *Instance[TData]) TransitionTo(state string) error {
	if instance.IsTerminal() {
		return ErrInstanceTerminal
	}

	state = strings.TrimSpace(state)
	if state == "" {
		return ErrStateRequired
	}

	instance.CurrentState = state
	instance.touch()

	return nil
}

// Complete marks the instance as successfully finished. Idempotent.
func (instance *Instance[TData]) Complete() {
	if instance.Faulted {
		return
	}

	instance.Completed = true
	instance.touch()
}

// Fault marks the instance as failed with the given reason. The reason is
// sanitized before storage since it often carries a raw error string.
func (instance *Instance[TData]) Fault(reason string) {
	instance.Faulted = true
	instance.FaultReason = sanitizeFaultReason(reason)
	instance.touch()
}

// SetMetadata stores an auxiliary key/value pair on the instance. Blank
// keys are ignored.
func (instance *Instance[TData]) SetMetadata(key, value string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}

	if instance.Metadata == nil {
		instance.Metadata = make(map[string]string)
	}

	instance.Metadata[key] = value
	instance.touch()
}

// GetMetadata returns the metadata value for the key.
func (instance *Instance[TData]) GetMetadata(key string) (string, bool) {
	value, ok := instance.Metadata[key]

	return value, ok
}

// DeleteMetadata removes the key, reporting whether it was present.
func (instance *Instance[TData]) DeleteMetadata(key string) bool {
	if instance.Metadata == nil {
		return false
	}

	if _, ok := instance.Metadata[key]; !ok {
		return false
	}

	delete(instance.Metadata, key)
	instance.touch()

	return true
}

// RecordCompletedStep appends a step name to the ordered completed-step
// list consulted by compensation. Blank names are ignored.
func (instance *Instance[TData]) RecordCompletedStep(step string) {
	step = strings.TrimSpace(step)
	if step == "" {
		return
	}

	steps := append(instance.CompletedSteps(), step)

	encoded, err := json.Marshal(steps)
	if err != nil {
		return
	}

	instance.SetMetadata(metadataCompletedSteps, string(encoded))
}

// CompletedSteps returns the ordered list of recorded step names.
func (instance *Instance[TData]) CompletedSteps() []string {
	raw, ok := instance.GetMetadata(metadataCompletedSteps)
	if !ok || raw == "" {
		return nil
	}

	var steps []string
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		return nil
	}

	return steps
}

// Clone returns a copy with its own metadata map. Data is copied by value;
// definitions whose data holds reference types should treat snapshots as
// read-only.
func (instance *Instance[TData]) Clone() *Instance[TData] {
	if instance == nil {
		return nil
	}

	clone := *instance

	if instance.Metadata != nil {
		clone.Metadata = make(map[string]string, len(instance.Metadata))
		for key, value := range instance.Metadata {
			clone.Metadata[key] = value
		}
	}

	return &clone
}

func (instance *Instance[TData]) touch() {
	instance.LastUpdatedAt = time.Now().UTC()
}
