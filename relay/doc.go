// Package relay provides transactional outbox and saga orchestration
// building blocks for Go services.
//
// The root package carries the application lifecycle contract (App and
// Launcher) and context plumbing for request-scoped logger, tracer, and
// correlation id propagation. Domain functionality lives in the
// subpackages: outbox, saga, txn, rabbitmq, and postgres.
package relay
