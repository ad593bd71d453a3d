// Package txn provides an explicit unit of work over a database/sql
// transaction with two-phase-commit style resource enlistment.
//
// A UnitOfWork owns a *sql.Tx and a list of enlisted Resources. Commit
// first runs every resource's Prepare (any error rolls the whole unit of
// work back), then commits the SQL transaction, then notifies every
// resource through its Commit callback. Rollback and in-doubt outcomes
// are propagated through the matching callbacks so resources can discard
// staged side effects.
package txn
