package audit

import (
	"context"

	"github.com/platinummonkey/idhub/pkg/observability"
)

// LogLogger writes events to the structured application log, tagged
// audit=true so they can be routed separately.
type LogLogger struct {
	logger *observability.Logger
}

// NewLogLogger creates a logger writing through logger
func NewLogLogger(logger *observability.Logger) *LogLogger {
	return &LogLogger{logger: logger.WithField("audit", true)}
}

func (l *LogLogger) Log(_ context.Context, event *Event) error {
	fields := map[string]interface{}{
		"event_type": string(event.Type),
		"status":     string(event.Status),
		"timestamp":  event.Timestamp,
	}
	optional := map[string]string{
		"provider_type": event.ProviderType,
		"scheme":        event.Scheme,
		"subject":       event.Subject,
		"ip_address":    event.IPAddress,
		"user_agent":    event.UserAgent,
		"request_id":    event.RequestID,
		"method":        event.Method,
		"path":          event.Path,
		"error_message": event.ErrorMessage,
	}
	for k, v := range optional {
		if v != "" {
			fields[k] = v
		}
	}
	if event.ProviderID != 0 {
		fields["provider_id"] = event.ProviderID
	}

	msg := event.Message
	if msg == "" {
		msg = string(event.Type)
	}
	entry := l.logger.WithFields(fields)
	if event.Status == StatusFailure {
		entry.Warn(msg)
	} else {
		entry.Info(msg)
	}
	return nil
}
