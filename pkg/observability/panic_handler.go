package observability

import (
	"runtime/debug"
)

// RecoverPanic logs a recovered panic with its stack. Use it deferred in
// background goroutines (invalidation subscriber, cron jobs) so one bad
// message cannot take the process down.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("context", where).
			Error("PANIC recovered")
	}
}
