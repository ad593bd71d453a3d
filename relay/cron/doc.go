// Package cron parses standard 5-field cron expressions and computes next run times.
//
// It supports wildcards, ranges, steps, and lists across minute, hour,
// day-of-month, month, and day-of-week fields.
package cron
