package sso

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/idhub/pkg/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminToken = "admin-token"

func newTestRouter(t *testing.T) (*mux.Router, *testEnv) {
	return newAuditedTestRouter(t, nil)
}

func newAuditedTestRouter(t *testing.T, auditLogger audit.Logger) (*mux.Router, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	handlers := NewHandlers(env.registry, env.challenger, env.sessions, HandlersConfig{
		AdminToken:    testAdminToken,
		SecureCookies: true,
		StateTTL:      10 * time.Minute,
		Audit:         auditLogger,
	}, nil)
	router := mux.NewRouter()
	handlers.RegisterRoutes(router)
	return router, env
}

func doRequest(router http.Handler, method, path string, body interface{}, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if strings.HasPrefix(path, "/api/") {
		req.Header.Set("Authorization", "Bearer "+testAdminToken)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func cookieNamed(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestHandlers_RequireAdminToken(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/providers/oidc", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandlers_OIDCCrud(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodPost, "/api/providers/oidc", map[string]interface{}{
		"scheme":        "google",
		"display_name":  "Google",
		"authority":     "https://accounts.google.com",
		"client_id":     "abc",
		"client_secret": "top-secret",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "/api/providers/oidc/1", w.Header().Get("Location"))
	assert.NotContains(t, w.Body.String(), "top-secret")

	created := decode[OIDCProvider](t, w)
	assert.Equal(t, int64(1), created.ID)
	assert.True(t, created.Enabled)
	assert.Equal(t, DefaultScopes, created.Scopes)
	assert.Equal(t, ProviderTypeOIDC, created.ProviderType)

	w = doRequest(router, http.MethodGet, "/api/providers/oidc", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]OIDCProvider](t, w), 1)
	assert.NotContains(t, w.Body.String(), "top-secret")

	w = doRequest(router, http.MethodGet, "/api/providers/oidc/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Google", decode[OIDCProvider](t, w).DisplayName)

	w = doRequest(router, http.MethodGet, "/api/providers/oidc/99", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	update := map[string]interface{}{
		"id":           1,
		"scheme":       "google",
		"display_name": "Google Workspace",
		"authority":    "https://accounts.google.com",
		"client_id":    "abc",
	}
	w = doRequest(router, http.MethodPut, "/api/providers/oidc/1", update)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[OIDCProvider](t, w)
	assert.Equal(t, "Google Workspace", updated.DisplayName)
	assert.NotNil(t, updated.Updated)

	w = doRequest(router, http.MethodPut, "/api/providers/oidc/2", update)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	update["id"] = 5
	w = doRequest(router, http.MethodPut, "/api/providers/oidc/5", update)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, http.MethodPost, "/api/providers/oidc/1/toggle", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[OIDCProvider](t, w).Enabled)

	w = doRequest(router, http.MethodPost, "/api/providers/oidc/1/toggle", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[OIDCProvider](t, w).Enabled)

	w = doRequest(router, http.MethodPost, "/api/providers/oidc/9/toggle", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, http.MethodDelete, "/api/providers/oidc/1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = doRequest(router, http.MethodDelete, "/api/providers/oidc/1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_CreateRejections(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodPost, "/api/providers/oidc", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/api/providers/saml", map[string]interface{}{
		"scheme":       "corp",
		"display_name": "Corp",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[map[string]string](t, w)["error"], "sp_entity_id")

	saml := map[string]interface{}{
		"scheme":                 "shared",
		"display_name":           "Corp",
		"sp_entity_id":           "https://idhub.example.com/saml",
		"idp_entity_id":          "https://idp.example.com",
		"idp_single_sign_on_url": "https://idp.example.com/sso",
	}
	w = doRequest(router, http.MethodPost, "/api/providers/saml", saml)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doRequest(router, http.MethodPost, "/api/providers/oidc", map[string]interface{}{
		"scheme":       "shared",
		"display_name": "Shared",
		"authority":    "https://accounts.google.com",
		"client_id":    "abc",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "SAML")
}

func TestHandlers_SAMLSecretsWriteOnly(t *testing.T) {
	router, env := newTestRouter(t)

	w := doRequest(router, http.MethodPost, "/api/providers/saml", map[string]interface{}{
		"scheme":                  "corp",
		"display_name":            "Corp",
		"sp_entity_id":            "https://idhub.example.com/saml",
		"idp_entity_id":           "https://idp.example.com",
		"idp_single_sign_on_url":  "https://idp.example.com/sso",
		"sp_certificate":          "cGZ4",
		"sp_certificate_password": "pw",
		"want_assertions_signed":  false,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "sp_certificate_password")
	created := decode[SAMLProvider](t, w)
	assert.False(t, created.WantAssertionsSigned)
	assert.False(t, created.SignAuthenticationRequests)
	assert.Equal(t, BindingPOST, created.BindingType)

	stored, err := env.registry.SAML().GetByID(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "cGZ4", stored.SpCertificate)
}

func TestHandlers_ListEnabled(t *testing.T) {
	router, env := newTestRouter(t)
	env.addSAML(t, "b-saml")
	p := env.addOIDC(t, "a-oidc")
	off := env.addOIDC(t, "c-off")
	_, err := env.registry.OIDC().SetEnabled(t.Context(), off.ID, false)
	require.NoError(t, err)

	w := doRequest(router, http.MethodGet, "/api/providers/all", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), p.ClientSecret)

	items := decode[[]map[string]interface{}](t, w)
	require.Len(t, items, 2)
	assert.Equal(t, "Fake a-oidc", items[0]["display_name"])
	assert.Equal(t, "OIDC", items[0]["provider_type"])
	assert.Equal(t, "SAML", items[1]["provider_type"])
}

func TestHandlers_Challenge(t *testing.T) {
	router, env := newTestRouter(t)
	env.addOIDC(t, "fake")
	env.addSAML(t, "corp")

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"missing scheme", "", http.StatusBadRequest},
		{"unknown scheme", "scheme=nope", http.StatusBadRequest},
		{"open redirect", "scheme=fake&returnUrl=" + url.QueryEscape("https://evil.example.com/"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(router, http.MethodGet, "/externallogin/challenge?"+tt.query, nil)
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
			assert.Contains(t, w.Body.String(), "Sign-in failed")
		})
	}

	w := doRequest(router, http.MethodGet, "/externallogin/challenge?scheme=fake&returnUrl=%2Fhome", nil)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	assert.True(t, strings.HasPrefix(w.Header().Get("Location"), env.oidc.srv.URL+"/authorize"))
	nonce := cookieNamed(w, NonceCookieName)
	require.NotNil(t, nonce)
	assert.True(t, nonce.HttpOnly)
	assert.True(t, nonce.Secure)

	w = doRequest(router, http.MethodGet, "/externallogin/challenge?scheme=corp", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "SAMLRequest")
	assert.Nil(t, cookieNamed(w, NonceCookieName))
}

func TestHandlers_OIDCCallbackIssuesSession(t *testing.T) {
	router, env := newTestRouter(t)
	env.addOIDC(t, "fake")

	w := doRequest(router, http.MethodGet, "/externallogin/challenge?scheme=fake&returnUrl=%2Fhome", nil)
	require.Equal(t, http.StatusFound, w.Code)
	nonce := cookieNamed(w, NonceCookieName)
	require.NotNil(t, nonce)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	env.oidc.setNonce(nonce.Value)

	callback := "/signin-oidc?" + url.Values{
		"state": {location.Query().Get("state")},
		"code":  {"good-code"},
	}.Encode()

	w = doRequest(router, http.MethodGet, callback, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "nonce cookie is required")

	w = doRequest(router, http.MethodGet, callback, nil, nonce)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	assert.Equal(t, "/home", w.Header().Get("Location"))

	session := cookieNamed(w, "idhub.external")
	require.NotNil(t, session)
	cleared := cookieNamed(w, NonceCookieName)
	require.NotNil(t, cleared)
	assert.Negative(t, cleared.MaxAge)

	w = doRequest(router, http.MethodGet, "/externallogin/session", nil, session)
	require.Equal(t, http.StatusOK, w.Code)
	claims := decode[map[string]interface{}](t, w)
	assert.Equal(t, "user-123", claims["sub"])
	assert.Equal(t, "fake", claims["scheme"])
	assert.Equal(t, "alice@example.com", claims["email"])
}

func TestHandlers_CallbackFailures(t *testing.T) {
	router, env := newTestRouter(t)
	env.addOIDC(t, "fake")

	w := doRequest(router, http.MethodGet, "/signin-oidc?state=forged&code=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Sign-in failed")

	state, err := NewStateCodec(testKey, time.Minute).Encode("fake", ProviderTypeOIDC, "/", "n")
	require.NoError(t, err)
	w = doRequest(router, http.MethodGet, "/signin-elsewhere?state="+url.QueryEscape(state), nil,
		&http.Cookie{Name: NonceCookieName, Value: "n"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, http.MethodGet, "/no-such-route", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_SAMLPostCallback(t *testing.T) {
	router, env := newTestRouter(t)
	env.addSAML(t, "corp")

	state, err := NewStateCodec(testKey, time.Minute).Encode("corp", ProviderTypeSAML, "/", "n")
	require.NoError(t, err)
	form := url.Values{"RelayState": {state}, "SAMLResponse": {"PG5vdC1zYW1sLz4="}}

	req := httptest.NewRequest(http.MethodPost, DefaultACSPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Sign-in failed")
	assert.Nil(t, cookieNamed(w, "idhub.external"))
}

func TestHandlers_SessionRequiresCookie(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doRequest(router, http.MethodGet, "/externallogin/session", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

type auditRecorder struct {
	events []*audit.Event
	err    error
}

func (a *auditRecorder) Log(_ context.Context, e *audit.Event) error {
	a.events = append(a.events, e)
	return a.err
}

func (a *auditRecorder) types() []audit.EventType {
	var out []audit.EventType
	for _, e := range a.events {
		out = append(out, e.Type)
	}
	return out
}

func TestHandlers_AuditsMutations(t *testing.T) {
	rec := &auditRecorder{}
	router, env := newAuditedTestRouter(t, rec)

	w := doRequest(router, http.MethodPost, "/api/providers/oidc", env.oidc.provider("audited"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[OIDCProvider](t, w)
	path := "/api/providers/oidc/" + strconv.FormatInt(created.ID, 10)

	created.DisplayName = "Renamed"
	require.Equal(t, http.StatusOK, doRequest(router, http.MethodPut, path, created).Code)
	require.Equal(t, http.StatusOK, doRequest(router, http.MethodPost, path+"/toggle", nil).Code)
	require.Equal(t, http.StatusNoContent, doRequest(router, http.MethodDelete, path, nil).Code)
	require.Equal(t, http.StatusNotFound, doRequest(router, http.MethodDelete, path, nil).Code)

	assert.Equal(t, []audit.EventType{
		audit.EventProviderCreate,
		audit.EventProviderUpdate,
		audit.EventProviderToggle,
		audit.EventProviderDelete,
	}, rec.types(), "failed mutations are not audited")
	for _, e := range rec.events {
		assert.Equal(t, "audited", e.Scheme)
		assert.Equal(t, created.ID, e.ProviderID)
		assert.Equal(t, "OIDC", e.ProviderType)
		assert.Equal(t, audit.StatusSuccess, e.Status)
	}
	assert.Equal(t, http.MethodDelete, rec.events[3].Method)
}

func TestHandlers_AuditsSignIns(t *testing.T) {
	rec := &auditRecorder{}
	router, env := newAuditedTestRouter(t, rec)
	env.addOIDC(t, "fake")

	w := doRequest(router, http.MethodGet, "/externallogin/challenge?scheme=nope", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodGet, "/externallogin/challenge?scheme=fake&returnUrl=%2Fhome", nil)
	require.Equal(t, http.StatusFound, w.Code)
	nonce := cookieNamed(w, NonceCookieName)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	env.oidc.setNonce(nonce.Value)

	w = doRequest(router, http.MethodGet, "/signin-oidc?state=forged&code=x", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	callback := "/signin-oidc?" + url.Values{"state": {location.Query().Get("state")}, "code": {"good-code"}}.Encode()
	w = doRequest(router, http.MethodGet, callback, nil, nonce)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())

	require.Equal(t, []audit.EventType{
		audit.EventLoginFailure,
		audit.EventLoginChallenge,
		audit.EventLoginFailure,
		audit.EventLoginSuccess,
	}, rec.types())
	assert.Equal(t, "nope", rec.events[0].Scheme)
	assert.NotEmpty(t, rec.events[0].ErrorMessage)
	assert.Equal(t, "fake", rec.events[1].Scheme)
	assert.Equal(t, audit.StatusFailure, rec.events[2].Status)
	assert.Equal(t, "fake", rec.events[3].Scheme)
	assert.Equal(t, "user-123", rec.events[3].Subject)
}

func TestHandlers_AuditFailureDoesNotFailRequest(t *testing.T) {
	router, env := newAuditedTestRouter(t, &auditRecorder{err: errors.New("audit store down")})

	w := doRequest(router, http.MethodPost, "/api/providers/oidc", env.oidc.provider("still-created"))
	assert.Equal(t, http.StatusCreated, w.Code)
}
