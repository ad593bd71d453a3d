package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"

	"github.com/MeridioStudio/lib-relay/relay/log"
	"github.com/MeridioStudio/lib-relay/relay/outbox"
)

var (
	ErrChannelRequired  = errors.New("rabbitmq channel is required")
	ErrPublisherClosed  = errors.New("rabbitmq publisher is closed")
	ErrBreakerOpen      = errors.New("rabbitmq circuit breaker is open")
	ErrPublishNacked    = errors.New("message was nacked by broker")
	ErrConfirmTimeout   = errors.New("broker confirmation timed out")
	ErrConfirmsDisabled = errors.New("channel does not support confirm mode")
)

const (
	// DefaultExchange receives deliveries that carry no exchange of their
	// own.
	DefaultExchange = "relay.events"

	// DefaultContentType is stamped on every publishing; outbox payloads
	// are JSON by construction.
	DefaultContentType = "application/json"

	// DefaultConfirmTimeout bounds the wait for a broker confirm.
	DefaultConfirmTimeout = 5 * time.Second

	// DefaultBreakerThreshold is the consecutive-failure count that trips
	// the breaker.
	DefaultBreakerThreshold = 5

	// DefaultBreakerCooldown is how long the breaker stays open before
	// probing the broker again.
	DefaultBreakerCooldown = 30 * time.Second

	// confirmBuffer sizes the confirmation channel. Publishes are
	// serialized, so one slot of slack is plenty; the extra room absorbs
	// late confirms after a timeout.
	confirmBuffer = 16
)

// Channel is the slice of *amqp.Channel the publisher needs.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// PublisherConfig carries the publish-path settings.
type PublisherConfig struct {
	DefaultExchange  string
	ContentType      string
	Mandatory        bool
	Confirms         bool
	ConfirmTimeout   time.Duration
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

// DefaultPublisherConfig returns the publish-path defaults.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		DefaultExchange:  DefaultExchange,
		ContentType:      DefaultContentType,
		ConfirmTimeout:   DefaultConfirmTimeout,
		BreakerThreshold: DefaultBreakerThreshold,
		BreakerCooldown:  DefaultBreakerCooldown,
	}
}

func (cfg *PublisherConfig) normalize() {
	if cfg.DefaultExchange == "" {
		cfg.DefaultExchange = DefaultExchange
	}

	if cfg.ContentType == "" {
		cfg.ContentType = DefaultContentType
	}

	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}

	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = DefaultBreakerThreshold
	}

	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = DefaultBreakerCooldown
	}
}

// PublisherOption configures the publisher.
type PublisherOption func(*Publisher)

// WithLogger sets the publisher's logger.
func WithLogger(logger log.Logger) PublisherOption {
	return func(publisher *Publisher) {
		if logger != nil {
			publisher.logger = logger
		}
	}
}

// WithDefaultExchange sets the exchange used for deliveries without one.
func WithDefaultExchange(exchange string) PublisherOption {
	return func(publisher *Publisher) {
		if exchange != "" {
			publisher.cfg.DefaultExchange = exchange
		}
	}
}

// WithMandatory publishes with the mandatory flag so unroutable messages
// are returned instead of silently dropped.
func WithMandatory() PublisherOption {
	return func(publisher *Publisher) {
		publisher.cfg.Mandatory = true
	}
}

// WithConfirms enables publisher confirms: each publish waits for the
// broker ack before reporting success. Publishes serialize, trading
// throughput for a tighter at-least-once window.
func WithConfirms() PublisherOption {
	return func(publisher *Publisher) {
		publisher.cfg.Confirms = true
	}
}

// WithConfirmTimeout bounds the wait for a broker confirm.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(publisher *Publisher) {
		if timeout > 0 {
			publisher.cfg.ConfirmTimeout = timeout
		}
	}
}

// WithBreaker overrides the circuit breaker thresholds.
func WithBreaker(threshold uint32, cooldown time.Duration) PublisherOption {
	return func(publisher *Publisher) {
		if threshold > 0 {
			publisher.cfg.BreakerThreshold = threshold
		}

		if cooldown > 0 {
			publisher.cfg.BreakerCooldown = cooldown
		}
	}
}

// Publisher maps outbox deliveries onto AMQP publishes.
type Publisher struct {
	channel  Channel
	logger   log.Logger
	cfg      PublisherConfig
	breaker  *gobreaker.CircuitBreaker
	confirms chan amqp.Confirmation

	publishMu sync.Mutex
	stateMu   sync.Mutex
	closed    bool
}

var _ outbox.Broker = (*Publisher)(nil)

// NewPublisher wraps an AMQP channel. With confirms enabled the channel is
// put into confirm mode; that cannot be undone on the same channel, so use
// a dedicated channel per publisher.
func NewPublisher(channel Channel, opts ...PublisherOption) (*Publisher, error) {
	if channel == nil {
		return nil, ErrChannelRequired
	}

	publisher := &Publisher{
		channel: channel,
		logger:  log.NewNop(),
		cfg:     DefaultPublisherConfig(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	publisher.cfg.normalize()

	if publisher.cfg.Confirms {
		if err := channel.Confirm(false); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfirmsDisabled, err)
		}

		publisher.confirms = channel.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	}

	publisher.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "rabbitmq.publish",
		Timeout: publisher.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= publisher.cfg.BreakerThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			publisher.logger.Log(context.Background(), log.LevelWarn, "rabbitmq breaker state changed",
				log.String("from", from.String()),
				log.String("to", to.String()),
			)
		},
	})

	return publisher, nil
}

// Publish implements outbox.Broker. Retryable transport failures come back
// as plain errors; the outbox retry budget decides what happens next.
func (publisher *Publisher) Publish(ctx context.Context, delivery outbox.Delivery) error {
	if ctx == nil {
		ctx = context.Background()
	}

	publisher.stateMu.Lock()
	closed := publisher.closed
	publisher.stateMu.Unlock()

	if closed {
		return ErrPublisherClosed
	}

	exchange := delivery.Exchange
	if exchange == "" {
		exchange = publisher.cfg.DefaultExchange
	}

	routingKey := delivery.RoutingKey
	if routingKey == "" {
		routingKey = delivery.MessageType
	}

	publishing := buildPublishing(delivery, publisher.cfg.ContentType)

	_, err := publisher.breaker.Execute(func() (any, error) {
		return nil, publisher.publishOnce(ctx, exchange, routingKey, publishing)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %w", ErrBreakerOpen, err)
		}

		publisher.logger.Log(ctx, log.LevelError, "rabbitmq publish failed",
			log.String("message_id", delivery.MessageID),
			log.String("exchange", exchange),
			log.String("routing_key", routingKey),
			log.String("error_detail", outbox.SanitizeErrorMessage(err.Error())),
		)

		return err
	}

	return nil
}

// Close marks the publisher closed and closes the underlying channel.
func (publisher *Publisher) Close() error {
	publisher.stateMu.Lock()

	if publisher.closed {
		publisher.stateMu.Unlock()

		return nil
	}

	publisher.closed = true
	publisher.stateMu.Unlock()

	if err := publisher.channel.Close(); err != nil {
		return fmt.Errorf("closing rabbitmq channel: %w", err)
	}

	return nil
}

// BreakerState exposes the current breaker state for health reporting.
func (publisher *Publisher) BreakerState() gobreaker.State {
	return publisher.breaker.State()
}

func (publisher *Publisher) publishOnce(ctx context.Context, exchange, routingKey string, publishing amqp.Publishing) error {
	if !publisher.cfg.Confirms {
		if err := publisher.channel.PublishWithContext(ctx, exchange, routingKey, publisher.cfg.Mandatory, false, publishing); err != nil {
			return fmt.Errorf("publish: %w", err)
		}

		return nil
	}

	// Confirm ordering matches publish ordering only when publishes do
	// not interleave, so the confirm flow holds publishMu end to end.
	publisher.publishMu.Lock()
	defer publisher.publishMu.Unlock()

	if err := publisher.channel.PublishWithContext(ctx, exchange, routingKey, publisher.cfg.Mandatory, false, publishing); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	return publisher.waitForConfirm(ctx)
}

func (publisher *Publisher) waitForConfirm(ctx context.Context) error {
	timeout := time.NewTimer(publisher.cfg.ConfirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-publisher.confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil
	case <-timeout.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("waiting for confirm: %w", ctx.Err())
	}
}

func buildPublishing(delivery outbox.Delivery, contentType string) amqp.Publishing {
	headers := make(amqp.Table, len(delivery.Headers)+1)
	for key, value := range delivery.Headers {
		headers[key] = value
	}

	headers["message_type"] = delivery.MessageType

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		Priority:      delivery.Priority,
		CorrelationId: delivery.CorrelationID,
		MessageId:     delivery.MessageID,
		Timestamp:     time.Now().UTC(),
		Type:          delivery.MessageType,
		Body:          delivery.Payload,
	}
}
