// Package saga tracks long-running business processes as persisted state
// machines driven by correlated messages.
//
// A Definition describes one saga type: how to extract the correlation id
// from an incoming message, whether a message may start a new instance, and
// the business handler that advances the state machine. The Orchestrator
// routes each message to its Instance, runs the handler inside the caller's
// unit of work, and persists the result with optimistic concurrency; a
// version conflict triggers a bounded reload-and-retry of the whole handler.
//
// Timeouts are outbox rows with a future scheduled_at, not in-process
// timers, so they survive restarts.
package saga
