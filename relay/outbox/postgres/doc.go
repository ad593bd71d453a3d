// Package postgres implements the durable outbox store on PostgreSQL.
//
// Claims take row locks with FOR UPDATE SKIP LOCKED so publisher instances
// sharing one table never wait on each other, and every status transition is
// a conditional UPDATE guarded by the expected current status. A lost race
// surfaces as outbox.ErrStateConflict.
package postgres
