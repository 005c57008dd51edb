package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/platinummonkey/idhub/pkg/httputil"
	"github.com/platinummonkey/idhub/pkg/observability"
)

// Logger writes audit events
type Logger interface {
	Log(ctx context.Context, event *Event) error
}

// Searcher reads stored audit events, newest first
type Searcher interface {
	Search(ctx context.Context, filter Filter) ([]*Event, error)
}

// NopLogger discards events
type NopLogger struct{}

func (NopLogger) Log(context.Context, *Event) error { return nil }

// NewEvent builds an event stamped with the request's client address, user
// agent, request id, method and path. r may be nil.
func NewEvent(r *http.Request, eventType EventType, status EventStatus) *Event {
	event := &Event{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Status:    status,
	}
	if r == nil {
		return event
	}
	event.IPAddress = httputil.ClientIP(r)
	event.UserAgent = r.UserAgent()
	event.RequestID = observability.GetRequestID(r.Context())
	event.Method = r.Method
	event.Path = r.URL.Path
	return event
}
