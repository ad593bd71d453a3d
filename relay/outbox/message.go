package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds the payload size accepted at staging time.
const DefaultMaxPayloadBytes = 1 << 20

// Header keys mirrored from the message fields at construction time so
// consumers can correlate without deserializing the payload.
const (
	HeaderCorrelationID = "correlation_id"
	HeaderCausationID   = "causation_id"
	HeaderTenantID      = "tenant_id"
)

// Message is an outbound message stored in the outbox for reliable delivery.
type Message struct {
	ID            uuid.UUID
	MessageType   string
	Payload       []byte
	RoutingKey    string
	Exchange      string
	Headers       map[string]string
	CorrelationID string
	CausationID   string
	CreatedAt     time.Time
	PublishedAt   *time.Time
	ScheduledAt   *time.Time
	Status        Status
	RetryCount    int
	NextRetryAt   *time.Time
	LastError     string
	Priority      uint8
	TenantID      string
}

// MessageOption mutates a message at construction time.
type MessageOption func(*Message)

// WithID overrides the generated message id.
func WithID(id uuid.UUID) MessageOption {
	return func(message *Message) {
		if id != uuid.Nil {
			message.ID = id
		}
	}
}

// WithRoutingKey sets the transport routing key hint.
func WithRoutingKey(routingKey string) MessageOption {
	return func(message *Message) {
		message.RoutingKey = strings.TrimSpace(routingKey)
	}
}

// WithExchange sets the transport exchange hint.
func WithExchange(exchange string) MessageOption {
	return func(message *Message) {
		message.Exchange = strings.TrimSpace(exchange)
	}
}

// WithHeader adds a single header. Blank keys are ignored.
func WithHeader(key, value string) MessageOption {
	return func(message *Message) {
		key = strings.TrimSpace(key)
		if key == "" {
			return
		}

		if message.Headers == nil {
			message.Headers = make(map[string]string)
		}

		message.Headers[key] = value
	}
}

// WithHeaders merges the given headers into the message.
func WithHeaders(headers map[string]string) MessageOption {
	return func(message *Message) {
		for key, value := range headers {
			WithHeader(key, value)(message)
		}
	}
}

// WithCorrelationID sets the correlation id used for tracing and saga routing.
func WithCorrelationID(correlationID string) MessageOption {
	return func(message *Message) {
		message.CorrelationID = strings.TrimSpace(correlationID)
	}
}

// WithCausationID sets the id of the message that caused this one.
func WithCausationID(causationID string) MessageOption {
	return func(message *Message) {
		message.CausationID = strings.TrimSpace(causationID)
	}
}

// WithScheduledAt delays delivery until the given time. The message persists
// as SCHEDULED and becomes claimable once the time has elapsed.
func WithScheduledAt(scheduledAt time.Time) MessageOption {
	return func(message *Message) {
		scheduledAt = scheduledAt.UTC()
		message.ScheduledAt = &scheduledAt
	}
}

// WithPriority sets the publish-order hint. Higher publishes first.
func WithPriority(priority uint8) MessageOption {
	return func(message *Message) {
		message.Priority = priority
	}
}

// WithTenantID sets the multi-tenancy partition key.
func WithTenantID(tenantID string) MessageOption {
	return func(message *Message) {
		message.TenantID = strings.TrimSpace(tenantID)
	}
}

// NewMessage creates a valid outbox message initialized as PENDING, or
// SCHEDULED when WithScheduledAt is given. Correlation, causation, and
// tenant ids are mirrored into the headers map.
func NewMessage(messageType string, payload []byte, opts ...MessageOption) (*Message, error) {
	messageType = strings.TrimSpace(messageType)
	if messageType == "" {
		return nil, ErrMessageTypeRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	now := time.Now().UTC()

	message := &Message{
		ID:          uuid.New(),
		MessageType: messageType,
		Payload:     payload,
		CreatedAt:   now,
		Status:      StatusPending,
	}

	for _, opt := range opts {
		opt(message)
	}

	if message.ScheduledAt != nil {
		message.Status = StatusScheduled
	}

	mirrorHeader(message, HeaderCorrelationID, message.CorrelationID)
	mirrorHeader(message, HeaderCausationID, message.CausationID)
	mirrorHeader(message, HeaderTenantID, message.TenantID)

	return message, nil
}

// Validate re-checks the construction invariants. The Gateway runs this
// during the prepare phase so a malformed message aborts the whole unit of
// work before anything durable happens.
func (message *Message) Validate() error {
	if message == nil {
		return ErrMessageRequired
	}

	if strings.TrimSpace(message.MessageType) == "" {
		return ErrMessageTypeRequired
	}

	if len(message.Payload) == 0 {
		return ErrPayloadRequired
	}

	if len(message.Payload) > DefaultMaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(message.Payload))
	}

	if !json.Valid(message.Payload) {
		return ErrPayloadNotJSON
	}

	if !message.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrStatusInvalid, message.Status)
	}

	return nil
}

// Clone returns a deep copy so store implementations can hand out snapshots
// without sharing mutable state.
func (message *Message) Clone() *Message {
	if message == nil {
		return nil
	}

	clone := *message

	clone.Payload = append([]byte(nil), message.Payload...)

	if message.Headers != nil {
		clone.Headers = make(map[string]string, len(message.Headers))
		for key, value := range message.Headers {
			clone.Headers[key] = value
		}
	}

	clone.PublishedAt = cloneTime(message.PublishedAt)
	clone.ScheduledAt = cloneTime(message.ScheduledAt)
	clone.NextRetryAt = cloneTime(message.NextRetryAt)

	return &clone
}

func mirrorHeader(message *Message, key, value string) {
	if value == "" {
		return
	}

	if message.Headers == nil {
		message.Headers = make(map[string]string)
	}

	if _, exists := message.Headers[key]; !exists {
		message.Headers[key] = value
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	copied := *t

	return &copied
}
