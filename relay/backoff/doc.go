// Package backoff provides exponential backoff utilities with jitter
// support for retry loops and publish scheduling.
package backoff
