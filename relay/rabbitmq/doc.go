// Package rabbitmq is the broker boundary: it maps outbox deliveries onto
// AMQP 0.9.1 publishes and declares the dead-letter topology consumers hang
// their queues on.
//
// The Publisher implements outbox.Broker. Publishes run through a circuit
// breaker so a down broker fails fast instead of stalling every drain
// worker, and can optionally wait for broker confirms when losing a message
// between publish and ack is not acceptable.
package rabbitmq
