// Package runtime provides panic recovery helpers for background workers
// and message handlers.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/MeridioStudio/lib-relay/relay/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecoverAndLog recovers from a panic, logs it with the stack trace, and
// continues execution. Use this in defer statements for handlers and workers
// where a panic must not crash the process. If ctx carries an active span,
// a panic event is recorded on it.
//
// Example:
//
//	func worker(ctx context.Context) {
//	    defer runtime.RecoverAndLog(ctx, logger, "publisher-worker")
//	    // ...
//	}
func RecoverAndLog(ctx context.Context, logger log.Logger, name string) {
	if recovered := recover(); recovered != nil {
		handlePanic(ctx, logger, name, recovered)
	}
}

// RecoverAndCrash recovers from a panic, logs it with the stack trace, and
// re-panics to crash the process. Use this for critical operations where
// continuing after a panic would be dangerous.
func RecoverAndCrash(ctx context.Context, logger log.Logger, name string) {
	if recovered := recover(); recovered != nil {
		handlePanic(ctx, logger, name, recovered)
		panic(recovered)
	}
}

// SafeGo runs fn in a new goroutine with panic recovery. A panicking fn is
// logged and the goroutine exits; the process keeps running.
func SafeGo(ctx context.Context, logger log.Logger, name string, fn func()) {
	go func() {
		defer RecoverAndLog(ctx, logger, name)
		fn()
	}()
}

func handlePanic(ctx context.Context, logger log.Logger, name string, recovered any) {
	stack := debug.Stack()

	if logger == nil {
		logger = log.NewNop()
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("source", name),
		log.String("panic_value", fmt.Sprintf("%v", recovered)),
		log.String("stack_trace", string(stack)),
	)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.AddEvent("panic.recovered", trace.WithAttributes(
			attribute.String("panic.source", name),
			attribute.String("panic.value", fmt.Sprintf("%v", recovered)),
		))
	}
}
