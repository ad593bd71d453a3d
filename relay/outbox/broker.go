package outbox

import "context"

// Delivery carries everything the transport needs to publish one message.
// It is deliberately broker-agnostic; relay/rabbitmq maps it onto AMQP.
type Delivery struct {
	MessageID     string
	MessageType   string
	Payload       []byte
	RoutingKey    string
	Exchange      string
	Headers       map[string]string
	CorrelationID string
	Priority      uint8
}

// Broker is the transport boundary the publisher drains into. Publish must
// be safe for concurrent use; the publisher calls it from a worker pool.
type Broker interface {
	Publish(ctx context.Context, delivery Delivery) error
}

// BrokerFunc adapts a function to the Broker interface.
type BrokerFunc func(ctx context.Context, delivery Delivery) error

func (fn BrokerFunc) Publish(ctx context.Context, delivery Delivery) error {
	return fn(ctx, delivery)
}

// NewDelivery maps an outbox message onto the transport contract.
func NewDelivery(message *Message) Delivery {
	headers := make(map[string]string, len(message.Headers))
	for key, value := range message.Headers {
		headers[key] = value
	}

	return Delivery{
		MessageID:     message.ID.String(),
		MessageType:   message.MessageType,
		Payload:       message.Payload,
		RoutingKey:    message.RoutingKey,
		Exchange:      message.Exchange,
		Headers:       headers,
		CorrelationID: message.CorrelationID,
		Priority:      message.Priority,
	}
}
