//go:build unit

package rabbitmq

import (
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type declaredExchange struct {
	name    string
	kind    string
	durable bool
}

type declaredQueue struct {
	name string
	args amqp.Table
}

type queueBinding struct {
	queue    string
	key      string
	exchange string
}

type fakeTopologyChannel struct {
	exchanges []declaredExchange
	queues    []declaredQueue
	bindings  []queueBinding

	exchangeErr error
	queueErr    error
	bindErr     error
}

func (ch *fakeTopologyChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	if ch.exchangeErr != nil {
		return ch.exchangeErr
	}

	ch.exchanges = append(ch.exchanges, declaredExchange{name: name, kind: kind, durable: durable})

	return nil
}

func (ch *fakeTopologyChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	if ch.queueErr != nil {
		return amqp.Queue{}, ch.queueErr
	}

	ch.queues = append(ch.queues, declaredQueue{name: name, args: args})

	return amqp.Queue{Name: name}, nil
}

func (ch *fakeTopologyChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	if ch.bindErr != nil {
		return ch.bindErr
	}

	ch.bindings = append(ch.bindings, queueBinding{queue: name, key: key, exchange: exchange})

	return nil
}

func TestDeclareDLQTopologyDefaults(t *testing.T) {
	channel := &fakeTopologyChannel{}

	require.NoError(t, DeclareDLQTopology(channel))

	require.Len(t, channel.exchanges, 1)
	assert.Equal(t, declaredExchange{name: "relay.dlx", kind: "topic", durable: true}, channel.exchanges[0])

	require.Len(t, channel.queues, 1)
	assert.Equal(t, "relay.dlq", channel.queues[0].name)
	assert.Nil(t, channel.queues[0].args)

	require.Len(t, channel.bindings, 1)
	assert.Equal(t, queueBinding{queue: "relay.dlq", key: "#", exchange: "relay.dlx"}, channel.bindings[0])
}

func TestDeclareDLQTopologyCustomized(t *testing.T) {
	channel := &fakeTopologyChannel{}

	err := DeclareDLQTopology(channel,
		WithDLXExchange("orders.dlx"),
		WithDLQName("orders.dlq"),
		WithDLQExchangeKind("fanout"),
		WithDLQBindingKey("orders.#"),
		WithDLQMessageTTL(time.Minute),
		WithDLQMaxLength(10_000),
	)
	require.NoError(t, err)

	assert.Equal(t, "orders.dlx", channel.exchanges[0].name)
	assert.Equal(t, "fanout", channel.exchanges[0].kind)

	queue := channel.queues[0]
	assert.Equal(t, "orders.dlq", queue.name)
	assert.Equal(t, int64(60_000), queue.args["x-message-ttl"])
	assert.Equal(t, int64(10_000), queue.args["x-max-length"])

	assert.Equal(t, "orders.#", channel.bindings[0].key)
}

func TestDeclareDLQTopologyPropagatesErrors(t *testing.T) {
	require.ErrorIs(t, DeclareDLQTopology(nil), ErrChannelRequired)

	channel := &fakeTopologyChannel{exchangeErr: errors.New("access refused")}
	require.ErrorContains(t, DeclareDLQTopology(channel), "declare dlx exchange")

	channel = &fakeTopologyChannel{queueErr: errors.New("queue locked")}
	require.ErrorContains(t, DeclareDLQTopology(channel), "declare dlq queue")

	channel = &fakeTopologyChannel{bindErr: errors.New("no route")}
	require.ErrorContains(t, DeclareDLQTopology(channel), "bind dlq to dlx")
}

func TestDeclareExchangeDefaults(t *testing.T) {
	require.ErrorIs(t, DeclareExchange(nil, "", ""), ErrChannelRequired)

	channel := &fakeTopologyChannel{}
	require.NoError(t, DeclareExchange(channel, "", ""))

	require.Len(t, channel.exchanges, 1)
	assert.Equal(t, declaredExchange{name: DefaultExchange, kind: "topic", durable: true}, channel.exchanges[0])
}

func TestDLXArgs(t *testing.T) {
	assert.Equal(t, amqp.Table{"x-dead-letter-exchange": "relay.dlx"}, DLXArgs(""))
	assert.Equal(t, amqp.Table{"x-dead-letter-exchange": "orders.dlx"}, DLXArgs("orders.dlx"))
}
