package outbox

import (
	"sync"

	"github.com/google/uuid"
)

// Bus collects messages staged during one unit of work. A Bus is created
// per unit of work, never shared across transactions; staging does no I/O.
// Durability happens only through the Gateway's commit callback, and the
// staged list is discarded on rollback.
type Bus struct {
	mu     sync.Mutex
	staged []*Message
}

// NewBus creates an empty transactional bus.
func NewBus() *Bus {
	return &Bus{}
}

// Stage validates and appends a message to the staged list, returning its
// id. The message is not durable until the surrounding transaction commits.
func (bus *Bus) Stage(message *Message) (uuid.UUID, error) {
	if err := message.Validate(); err != nil {
		return uuid.Nil, err
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.staged = append(bus.staged, message)

	return message.ID, nil
}

// StageBatch stages all messages or none: validation runs over the whole
// batch before anything is appended.
func (bus *Bus) StageBatch(messages []*Message) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(messages))

	for _, message := range messages {
		if err := message.Validate(); err != nil {
			return nil, err
		}

		ids = append(ids, message.ID)
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.staged = append(bus.staged, messages...)

	return ids, nil
}

// PendingCount returns the number of currently staged messages.
func (bus *Bus) PendingCount() int {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	return len(bus.staged)
}

// ClearPending discards all staged messages. Idempotent: it is called
// automatically after a successful flush and again on any duplicate
// commit/rollback signal without double-persisting.
func (bus *Bus) ClearPending() {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.staged = nil
}

// TakePending atomically removes and returns the staged messages. Callers
// that buffer staging in a scratch bus use this to move messages into the
// unit-of-work bus once their own writes succeeded.
func (bus *Bus) TakePending() []*Message {
	return bus.drain()
}

// drain atomically takes ownership of the staged list, leaving the bus
// empty. Used by the Gateway at flush time.
func (bus *Bus) drain() []*Message {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	staged := bus.staged
	bus.staged = nil

	return staged
}

// snapshot returns the staged messages without clearing them. Used by the
// Gateway's prepare phase.
func (bus *Bus) snapshot() []*Message {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	return append([]*Message(nil), bus.staged...)
}
