package saga

import (
	"strings"

	"github.com/MeridioStudio/lib-relay/relay/outbox"
)

// Message is an incoming event or command consumed by the orchestrator.
// It is deliberately transport-neutral: a broker consumer maps its delivery
// into this shape before handing it over.
type Message struct {
	MessageType   string
	Payload       []byte
	Headers       map[string]string
	CorrelationID string
	CausationID   string
}

// Validate checks the minimal consumption invariants.
func (message Message) Validate() error {
	if strings.TrimSpace(message.MessageType) == "" {
		return ErrMessageTypeRequired
	}

	return nil
}

// Header returns a header value, tolerating a nil map.
func (message Message) Header(key string) (string, bool) {
	value, ok := message.Headers[key]

	return value, ok
}

// MessageFromOutbox converts a published outbox message back into the
// consumable shape. Useful for in-process delivery and tests.
func MessageFromOutbox(message *outbox.Message) Message {
	if message == nil {
		return Message{}
	}

	headers := make(map[string]string, len(message.Headers))
	for key, value := range message.Headers {
		headers[key] = value
	}

	return Message{
		MessageType:   message.MessageType,
		Payload:       append([]byte(nil), message.Payload...),
		Headers:       headers,
		CorrelationID: message.CorrelationID,
		CausationID:   message.CausationID,
	}
}

func sanitizeFaultReason(reason string) string {
	return outbox.SanitizeErrorMessage(reason)
}
