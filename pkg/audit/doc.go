// Package audit records security-relevant events: changes to the provider
// registry made through the admin API, and external sign-in attempts.
//
// Events are written through a Logger. LogLogger emits them on the
// structured application log, DBLogger stores them in the audit_events table
// where they can be searched, and MultiLogger fans out to several loggers.
//
// Usage:
//
//	logger := audit.NewMultiLogger(
//	    audit.NewLogLogger(appLogger),
//	    audit.NewDBLogger(db, dialect),
//	)
//	event := audit.NewEvent(r, audit.EventProviderCreate, audit.StatusSuccess)
//	event.Scheme = "okta"
//	logger.Log(r.Context(), event)
//
// The search API is served by Handlers under /api/audit.
package audit
