package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/idhub/pkg/httputil"
	"github.com/platinummonkey/idhub/pkg/observability"
)

// Handlers serves the audit search API
type Handlers struct {
	searcher Searcher
	logger   *observability.Logger
}

// NewHandlers creates new audit handlers
func NewHandlers(searcher Searcher, logger *observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Handlers{searcher: searcher, logger: logger}
}

// RegisterRoutes registers GET /api/audit/events behind the admin token
func (h *Handlers) RegisterRoutes(router *mux.Router, adminToken string) {
	api := router.PathPrefix("/api/audit").Subrouter()
	api.Use(mux.MiddlewareFunc(httputil.BearerToken(adminToken)))
	api.HandleFunc("/events", h.listEvents).Methods(http.MethodGet)
}

// listEvents handles GET /api/audit/events?type=&scheme=&since=&limit=
func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	filter, msg := parseFilter(r)
	if msg != "" {
		httputil.WriteBadRequest(w, msg)
		return
	}

	events, err := h.searcher.Search(r.Context(), filter)
	if err != nil {
		h.logger.WithContext(r.Context()).WithError(err).Error("Failed to search audit events")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"events": events,
		"count":  len(events),
		"limit":  filter.EffectiveLimit(),
	})
}

func parseFilter(r *http.Request) (Filter, string) {
	var filter Filter
	q := r.URL.Query()

	if t := q.Get("type"); t != "" {
		filter.Type = EventType(t)
		if !filter.Type.Valid() {
			return filter, "unknown event type"
		}
	}
	filter.Scheme = q.Get("scheme")
	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return filter, "since must be an RFC 3339 timestamp"
		}
		filter.Since = ts
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return filter, "limit must be a positive integer"
		}
		filter.Limit = n
	}
	return filter, ""
}
