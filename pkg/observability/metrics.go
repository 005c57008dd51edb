package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Provider registry metrics
	ProviderMutationsTotal *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// Scheme resolution metrics
	SchemeResolutionsTotal *prometheus.CounterVec
	OptionsCacheLookups    *prometheus.CounterVec
	OptionsInvalidations   *prometheus.CounterVec
	ChallengesTotal        *prometheus.CounterVec
	CallbacksTotal         *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idhub_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "idhub_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		ProviderMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idhub_provider_mutations_total",
				Help: "Successful provider create/update/delete/toggle operations",
			},
			[]string{"kind", "operation"},
		),
		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "idhub_store_operation_duration_seconds",
				Help:    "Provider store operation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"kind", "operation"},
		),
		SchemeResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idhub_scheme_resolutions_total",
				Help: "Scheme resolutions by outcome (configured or placeholder)",
			},
			[]string{"kind", "result"},
		),
		OptionsCacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idhub_options_cache_lookups_total",
				Help: "Options cache lookups by result (hit or miss)",
			},
			[]string{"kind", "result"},
		),
		OptionsInvalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idhub_options_invalidations_total",
				Help: "Options cache invalidations by source",
			},
			[]string{"source"},
		),
		ChallengesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idhub_challenges_total",
				Help: "External login challenges by outcome",
			},
			[]string{"kind", "outcome"},
		),
		CallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idhub_callbacks_total",
				Help: "External login callbacks by outcome",
			},
			[]string{"kind", "outcome"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ProviderMutationsTotal,
		m.StoreOperationDuration,
		m.SchemeResolutionsTotal,
		m.OptionsCacheLookups,
		m.OptionsInvalidations,
		m.ChallengesTotal,
		m.CallbacksTotal,
	)

	return m
}

func (m *Metrics) ProviderMutation(kind, operation string) {
	if m == nil {
		return
	}
	m.ProviderMutationsTotal.WithLabelValues(kind, operation).Inc()
}

// StoreTimer returns a func that records the elapsed store operation time.
func (m *Metrics) StoreTimer(kind, operation string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.StoreOperationDuration.WithLabelValues(kind, operation).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) SchemeResolution(kind, result string) {
	if m == nil {
		return
	}
	m.SchemeResolutionsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) OptionsCacheLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.OptionsCacheLookups.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) OptionsInvalidation(source string) {
	if m == nil {
		return
	}
	m.OptionsInvalidations.WithLabelValues(source).Inc()
}

func (m *Metrics) Challenge(kind, outcome string) {
	if m == nil {
		return
	}
	m.ChallengesTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Callback(kind, outcome string) {
	if m == nil {
		return
	}
	m.CallbacksTotal.WithLabelValues(kind, outcome).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests, labelling them by mux route
// template so ids in paths do not explode cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler exposes the registry in the Prometheus text format
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
