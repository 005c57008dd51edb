// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown for idhub.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("scheme", "demo").Warn("scheme not configured")
//
// Request-scoped logging picks up the request id set by httputil.RequestID
// and the active trace:
//
//	observability.FromContext(r.Context()).Info("challenge issued")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.SchemeResolution("OIDC", "configured")
//
// A nil *Metrics is accepted everywhere and records nothing.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	tp, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "idhub",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, tp, logger)
package observability
