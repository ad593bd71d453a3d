// Package postgres persists saga instances in PostgreSQL with optimistic
// concurrency. Instance data and metadata are stored as JSONB; the version
// check rides on a conditional UPDATE so no row locks are held across the
// handler.
package postgres
