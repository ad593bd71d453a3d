// Package postgres manages the PostgreSQL connections shared by the relay
// storage layers. It opens primary and read-only replica pools behind a
// dbresolver, runs the embedded schema migrations on the primary, and hands
// out the resolver to the outbox and saga repositories.
package postgres
