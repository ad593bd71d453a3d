package log

import "context"

// nopLogger discards every log event. Constructors hand it out when the
// caller injects no logger, so components never nil-check their logger.
type nopLogger struct{}

// NewNop creates a logger that discards everything.
//
//nolint:ireturn
func NewNop() Logger {
	return nopLogger{}
}

func (nopLogger) Log(context.Context, Level, string, ...Field) {}

//nolint:ireturn
func (nopLogger) With(...Field) Logger { return nopLogger{} }

//nolint:ireturn
func (nopLogger) WithGroup(string) Logger { return nopLogger{} }

func (nopLogger) Enabled(Level) bool { return false }

func (nopLogger) Sync(context.Context) error { return nil }
