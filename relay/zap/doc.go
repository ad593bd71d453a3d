// Package zap provides a zap-backed implementation of the relay/log
// abstraction.
//
// It preserves structured fields, correlates log entries with active
// OpenTelemetry spans, and exposes a runtime-adjustable level handle.
package zap
