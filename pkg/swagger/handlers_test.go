package swagger

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter() *mux.Router {
	router := mux.NewRouter()
	NewHandlers().RegisterRoutes(router)
	return router
}

func get(router http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestServeYAML(t *testing.T) {
	w := get(newRouter(), "/openapi.yaml")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/yaml", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "openapi: 3.0.3")
}

func TestServeJSON(t *testing.T) {
	router := newRouter()
	w := get(router, "/openapi.json")
	require.Equal(t, http.StatusOK, w.Code)

	var doc struct {
		OpenAPI string                            `json:"openapi"`
		Paths   map[string]map[string]interface{} `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.3", doc.OpenAPI)

	for path, methods := range map[string][]string{
		"/api/providers/all":              {"get"},
		"/api/providers/oidc":             {"get", "post"},
		"/api/providers/oidc/{id}":        {"get", "put", "delete"},
		"/api/providers/oidc/{id}/toggle": {"post"},
		"/api/providers/saml":             {"get", "post"},
		"/api/providers/saml/{id}":        {"get", "put", "delete"},
		"/api/providers/saml/{id}/toggle": {"post"},
		"/api/audit/events":               {"get"},
		"/externallogin/challenge":        {"get"},
	} {
		require.Contains(t, doc.Paths, path)
		for _, m := range methods {
			assert.Contains(t, doc.Paths[path], m, path)
		}
	}

	// Served from the cached conversion the second time.
	assert.Equal(t, w.Body.String(), get(router, "/openapi.json").Body.String())
}

func TestServeUI(t *testing.T) {
	w := get(newRouter(), "/api-docs")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/openapi.json")
}
