// Package swagger serves the OpenAPI description of the idhub HTTP API.
package swagger

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/idhub/pkg/httputil"
)

//go:embed openapi.yaml
var openapiSpec []byte

// Handlers serves the OpenAPI document and a Swagger UI page
type Handlers struct {
	jsonOnce sync.Once
	jsonSpec []byte
	jsonErr  error
}

// NewHandlers creates the documentation handlers
func NewHandlers() *Handlers {
	return &Handlers{}
}

// RegisterRoutes registers /openapi.yaml, /openapi.json and /api-docs
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/openapi.yaml", h.serveYAML).Methods(http.MethodGet)
	router.HandleFunc("/openapi.json", h.serveJSON).Methods(http.MethodGet)
	router.HandleFunc("/api-docs", h.serveUI).Methods(http.MethodGet)
}

func (h *Handlers) serveYAML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(openapiSpec)
}

func (h *Handlers) serveJSON(w http.ResponseWriter, r *http.Request) {
	h.jsonOnce.Do(func() {
		h.jsonSpec, h.jsonErr = SpecJSON()
	})
	if h.jsonErr != nil {
		httputil.WriteInternalError(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(h.jsonSpec)
}

func (h *Handlers) serveUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(swaggerUIPage))
}

// SpecJSON converts the embedded YAML document to JSON.
func SpecJSON() ([]byte, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(openapiSpec, &doc); err != nil {
		return nil, fmt.Errorf("parse openapi.yaml: %w", err)
	}
	return json.Marshal(doc)
}

const swaggerUIPage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>idhub API</title>
  <link rel="stylesheet" type="text/css" href="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5.10.5/swagger-ui.css" />
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5.10.5/swagger-ui-bundle.js" charset="UTF-8"></script>
<script>
window.onload = function() {
  window.ui = SwaggerUIBundle({
    url: "/openapi.json",
    dom_id: '#swagger-ui',
    deepLinking: true,
    requestInterceptor: function(request) {
      const token = localStorage.getItem('idhub_admin_token');
      if (token) {
        request.headers['Authorization'] = 'Bearer ' + token;
      }
      return request;
    }
  });
};
</script>
</body>
</html>`
