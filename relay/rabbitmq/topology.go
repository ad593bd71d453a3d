package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultDLXExchange  = "relay.dlx"
	defaultDLQName      = "relay.dlq"
	defaultExchangeKind = "topic"
	defaultBindingKey   = "#"
)

// TopologyChannel is the slice of *amqp.Channel needed for declarations.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DLQTopologyConfig names the dead-letter exchange and queue.
type DLQTopologyConfig struct {
	DLXExchange     string
	DLQName         string
	ExchangeKind    string
	BindingKey      string
	QueueMessageTTL time.Duration
	QueueMaxLength  int64
}

// DLQOption configures dead-letter topology declaration.
type DLQOption func(*DLQTopologyConfig)

// WithDLXExchange overrides the dead-letter exchange name.
func WithDLXExchange(name string) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if name != "" {
			cfg.DLXExchange = name
		}
	}
}

// WithDLQName overrides the dead-letter queue name.
func WithDLQName(name string) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if name != "" {
			cfg.DLQName = name
		}
	}
}

// WithDLQExchangeKind overrides the dead-letter exchange kind.
func WithDLQExchangeKind(kind string) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if kind != "" {
			cfg.ExchangeKind = kind
		}
	}
}

// WithDLQBindingKey overrides the queue-to-exchange binding key.
func WithDLQBindingKey(bindingKey string) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if bindingKey != "" {
			cfg.BindingKey = bindingKey
		}
	}
}

// WithDLQMessageTTL sets x-message-ttl on the dead-letter queue.
func WithDLQMessageTTL(ttl time.Duration) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if ttl > 0 {
			cfg.QueueMessageTTL = ttl
		}
	}
}

// WithDLQMaxLength sets x-max-length on the dead-letter queue.
func WithDLQMaxLength(maxLength int64) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if maxLength > 0 {
			cfg.QueueMaxLength = maxLength
		}
	}
}

func defaultDLQConfig() DLQTopologyConfig {
	return DLQTopologyConfig{
		DLXExchange:  defaultDLXExchange,
		DLQName:      defaultDLQName,
		ExchangeKind: defaultExchangeKind,
		BindingKey:   defaultBindingKey,
	}
}

func (cfg DLQTopologyConfig) queueArgs() amqp.Table {
	args := make(amqp.Table)

	if cfg.QueueMessageTTL > 0 {
		ttlMillis := cfg.QueueMessageTTL.Milliseconds()
		if ttlMillis <= 0 {
			ttlMillis = 1
		}

		args["x-message-ttl"] = ttlMillis
	}

	if cfg.QueueMaxLength > 0 {
		args["x-max-length"] = cfg.QueueMaxLength
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

// DeclareExchange declares a durable exchange for outbox deliveries.
func DeclareExchange(ch TopologyChannel, name, kind string) error {
	if ch == nil {
		return fmt.Errorf("declare exchange: %w", ErrChannelRequired)
	}

	if name == "" {
		name = DefaultExchange
	}

	if kind == "" {
		kind = defaultExchangeKind
	}

	if err := ch.ExchangeDeclare(name, kind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", name, err)
	}

	return nil
}

// DeclareDLQTopology declares the dead-letter exchange and its queue, bound
// with the configured key. Consumer queues reference the exchange through
// DLXArgs so broker-side rejections land in the dead-letter queue.
func DeclareDLQTopology(ch TopologyChannel, opts ...DLQOption) error {
	if ch == nil {
		return fmt.Errorf("declare dlq topology: %w", ErrChannelRequired)
	}

	cfg := defaultDLQConfig()

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if err := ch.ExchangeDeclare(cfg.DLXExchange, cfg.ExchangeKind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.DLQName, true, false, false, false, cfg.queueArgs()); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}

	if err := ch.QueueBind(cfg.DLQName, cfg.BindingKey, cfg.DLXExchange, false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	return nil
}

// DLXArgs returns the queue declaration args that route rejected messages
// to the dead-letter exchange.
func DLXArgs(dlxExchange string) amqp.Table {
	if dlxExchange == "" {
		dlxExchange = defaultDLXExchange
	}

	return amqp.Table{
		"x-dead-letter-exchange": dlxExchange,
	}
}
