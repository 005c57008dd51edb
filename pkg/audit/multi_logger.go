package audit

import (
	"context"
	"errors"
)

// MultiLogger writes every event to each of its loggers in order
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a logger fanning out to loggers
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log writes to all loggers, continuing past failures, and joins their errors
func (m *MultiLogger) Log(ctx context.Context, event *Event) error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.Log(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
