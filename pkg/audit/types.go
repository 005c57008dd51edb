package audit

import (
	"time"
)

// EventType is the category of an audit event
type EventType string

const (
	EventProviderCreate EventType = "provider.create"
	EventProviderUpdate EventType = "provider.update"
	EventProviderDelete EventType = "provider.delete"
	EventProviderToggle EventType = "provider.toggle"

	EventLoginChallenge EventType = "login.challenge"
	EventLoginSuccess   EventType = "login.success"
	EventLoginFailure   EventType = "login.failure"
)

// Valid reports whether t is a known event type
func (t EventType) Valid() bool {
	switch t {
	case EventProviderCreate, EventProviderUpdate, EventProviderDelete, EventProviderToggle,
		EventLoginChallenge, EventLoginSuccess, EventLoginFailure:
		return true
	}
	return false
}

// EventStatus is the outcome of an event
type EventStatus string

const (
	StatusSuccess EventStatus = "success"
	StatusFailure EventStatus = "failure"
)

// Event is a single audit record
type Event struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Type      EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Provider the event concerns, when known
	ProviderType string `json:"provider_type,omitempty"`
	ProviderID   int64  `json:"provider_id,omitempty"`
	Scheme       string `json:"scheme,omitempty"`

	// Subject is the external user for login events
	Subject string `json:"subject,omitempty"`

	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`

	Message      string `json:"message,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Filter narrows an audit search. Zero values match everything.
type Filter struct {
	Type   EventType
	Scheme string
	Since  time.Time
	Limit  int
}

const (
	DefaultSearchLimit = 100
	MaxSearchLimit     = 1000
)

// EffectiveLimit clamps Limit to (0, MaxSearchLimit]
func (f Filter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultSearchLimit
	case f.Limit > MaxSearchLimit:
		return MaxSearchLimit
	default:
		return f.Limit
	}
}
