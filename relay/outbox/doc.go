// Package outbox implements the transactional outbox pattern: messages are
// staged on a per-unit-of-work Bus, durably persisted by a Gateway when the
// surrounding transaction commits, and asynchronously drained to a broker
// by the background Publisher with retry, exponential backoff, and
// dead-lettering.
//
// Storage is abstracted behind the Store interface (PostgreSQL
// implementation in the postgres subpackage) and transport behind the
// Broker interface (RabbitMQ implementation in relay/rabbitmq).
package outbox
