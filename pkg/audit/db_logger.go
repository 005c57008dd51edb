package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/platinummonkey/idhub/pkg/storage"
)

const eventColumns = "timestamp, event_type, status, provider_type, provider_id, scheme, subject, " +
	"ip_address, user_agent, request_id, method, path, message, error_message"

// DBLogger stores events in the audit_events table created by the storage
// migrations.
type DBLogger struct {
	db      *sql.DB
	dialect storage.Dialect
}

// NewDBLogger creates a database-backed audit logger
func NewDBLogger(db *sql.DB, dialect storage.Dialect) *DBLogger {
	return &DBLogger{db: db, dialect: dialect}
}

// Log inserts the event and sets its ID
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	query := "INSERT INTO audit_events (" + eventColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id"
	err := l.db.QueryRowContext(ctx, l.dialect.Rebind(query),
		event.Timestamp, string(event.Type), string(event.Status),
		event.ProviderType, event.ProviderID, event.Scheme, event.Subject,
		event.IPAddress, event.UserAgent, event.RequestID,
		event.Method, event.Path, event.Message, event.ErrorMessage,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Search returns matching events, newest first
func (l *DBLogger) Search(ctx context.Context, filter Filter) ([]*Event, error) {
	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Scheme != "" {
		where = append(where, "scheme = ?")
		args = append(args, filter.Scheme)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := "SELECT id, " + eventColumns + " FROM audit_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, filter.EffectiveLimit())

	rows, err := l.db.QueryContext(ctx, l.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		var (
			e         Event
			eventType string
			status    string
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &eventType, &status,
			&e.ProviderType, &e.ProviderID, &e.Scheme, &e.Subject,
			&e.IPAddress, &e.UserAgent, &e.RequestID,
			&e.Method, &e.Path, &e.Message, &e.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Type = EventType(eventType)
		e.Status = EventStatus(status)
		events = append(events, &e)
	}
	return events, rows.Err()
}
