// Package httputil provides HTTP handler utilities for consistent error handling,
// JSON encoding/decoding, request parsing and middleware.
//
// Response helpers:
//
//	httputil.WriteJSON(w, http.StatusOK, provider)
//	httputil.WriteCreated(w, "/api/providers/oidc/7", provider)
//	httputil.WriteBadRequest(w, "scheme is required")
//
// Middleware, outermost first:
//
//	handler := httputil.Chain(
//		httputil.RequestID,
//		httputil.Logging(logger),
//		httputil.Recovery(logger),
//	)(router)
package httputil
