package sso

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/idhub/pkg/audit"
	"github.com/platinummonkey/idhub/pkg/httputil"
	"github.com/platinummonkey/idhub/pkg/observability"
)

const authFailurePage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Sign-in failed</title></head>
<body><h1>Sign-in failed</h1><p>We could not sign you in with the selected provider. Please try again or choose another sign-in option.</p></body></html>
`

// HandlersConfig holds the HTTP-facing settings
type HandlersConfig struct {
	// AdminToken guards /api/providers. Empty disables the check.
	AdminToken    string
	SecureCookies bool
	StateTTL      time.Duration
	// Audit receives admin mutations and sign-in outcomes. Nil discards them.
	Audit audit.Logger
}

// Handlers serves the provider admin API and the external login endpoints
type Handlers struct {
	registry   *Registry
	challenger *Challenger
	sessions   *SessionIssuer
	cfg        HandlersConfig
	logger     *observability.Logger
}

// NewHandlers creates the HTTP handlers
func NewHandlers(registry *Registry, challenger *Challenger, sessions *SessionIssuer, cfg HandlersConfig, logger *observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NopLogger{}
	}
	return &Handlers{
		registry:   registry,
		challenger: challenger,
		sessions:   sessions,
		cfg:        cfg,
		logger:     logger,
	}
}

// RegisterRoutes registers every route. The callback route matches any
// request carrying handshake state and must stay last.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/providers").Subrouter()
	api.Use(mux.MiddlewareFunc(httputil.BearerToken(h.cfg.AdminToken)))
	api.HandleFunc("/all", h.listEnabled).Methods("GET")
	registerKindRoutes(api, "/oidc", &kindHandlers[*OIDCProvider]{
		kinds:       h.registry.OIDC(),
		newProvider: NewOIDCProvider,
		logger:      h.logger,
		record:      h.record,
	})
	registerKindRoutes(api, "/saml", &kindHandlers[*SAMLProvider]{
		kinds:       h.registry.SAML(),
		newProvider: NewSAMLProvider,
		logger:      h.logger,
		record:      h.record,
	})

	router.HandleFunc("/externallogin/challenge", h.challenge).Methods("GET")
	router.HandleFunc("/externallogin/session", h.session).Methods("GET")
	router.MatcherFunc(isCallback).HandlerFunc(h.callback)
}

// listEnabled handles GET /api/providers/all
func (h *Handlers) listEnabled(w http.ResponseWriter, r *http.Request) {
	providers, err := h.registry.GetAllEnabledProviders(r.Context())
	if err != nil {
		h.logger.WithContext(r.Context()).WithError(err).Error("Failed to list enabled providers")
		httputil.WriteInternalError(w)
		return
	}
	for _, p := range providers {
		p.redact()
	}
	httputil.WriteSuccess(w, providers)
}

// challenge handles GET /externallogin/challenge?scheme=&returnUrl=
func (h *Handlers) challenge(w http.ResponseWriter, r *http.Request) {
	scheme := httputil.ParseQueryString(r, "scheme", "")
	returnURL := httputil.ParseQueryString(r, "returnUrl", "")
	if scheme == "" {
		writeAuthFailure(w, http.StatusBadRequest)
		return
	}

	result, err := h.challenger.Challenge(r.Context(), scheme, returnURL)
	if err != nil {
		event := audit.NewEvent(r, audit.EventLoginFailure, audit.StatusFailure)
		event.Scheme = scheme
		event.ErrorMessage = err.Error()
		h.record(r, event)
		writeAuthFailure(w, http.StatusBadRequest)
		return
	}
	event := audit.NewEvent(r, audit.EventLoginChallenge, audit.StatusSuccess)
	event.Scheme = result.Scheme
	event.ProviderType = string(result.Kind)
	h.record(r, event)

	if result.Kind == ProviderTypeOIDC {
		http.SetCookie(w, &http.Cookie{
			Name:     NonceCookieName,
			Value:    result.Nonce,
			Path:     "/",
			MaxAge:   int(h.cfg.StateTTL.Seconds()),
			HttpOnly: true,
			Secure:   h.cfg.SecureCookies,
			SameSite: http.SameSiteLaxMode,
		})
	}

	if result.FormHTML != nil {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		w.Write(result.FormHTML)
		return
	}
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// callback handles OIDC redirects and SAML ACS posts
func (h *Handlers) callback(w http.ResponseWriter, r *http.Request) {
	req := CallbackRequest{Path: r.URL.Path}
	if c, err := r.Cookie(NonceCookieName); err == nil {
		req.NonceCookie = c.Value
	}
	if r.Method == http.MethodPost {
		req.State = r.PostFormValue("state")
		if req.State == "" {
			req.State = r.PostFormValue("RelayState")
		}
		req.Code = r.PostFormValue("code")
		req.Error = r.PostFormValue("error")
		req.ErrorDescription = r.PostFormValue("error_description")
		req.SAMLResponse = r.PostFormValue("SAMLResponse")
	} else {
		q := r.URL.Query()
		req.State = q.Get("state")
		req.Code = q.Get("code")
		req.Error = q.Get("error")
		req.ErrorDescription = q.Get("error_description")
	}

	result, err := h.challenger.Complete(r.Context(), req)
	if errors.Is(err, ErrCallbackPath) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		event := audit.NewEvent(r, audit.EventLoginFailure, audit.StatusFailure)
		event.ErrorMessage = err.Error()
		h.record(r, event)
		writeAuthFailure(w, http.StatusBadRequest)
		return
	}

	event := audit.NewEvent(r, audit.EventLoginSuccess, audit.StatusSuccess)
	event.Scheme = result.Identity.Scheme
	event.ProviderType = string(result.Identity.Kind)
	event.Subject = result.Identity.Subject
	h.record(r, event)

	cookie, err := h.sessions.Issue(result.Identity)
	if err != nil {
		h.logger.WithContext(r.Context()).WithError(err).Error("Failed to issue session")
		writeAuthFailure(w, http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, cookie)
	http.SetCookie(w, &http.Cookie{
		Name:     NonceCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, result.ReturnURL, http.StatusFound)
}

// session handles GET /externallogin/session
func (h *Handlers) session(w http.ResponseWriter, r *http.Request) {
	claims, err := h.sessions.FromRequest(r)
	if err != nil {
		httputil.WriteUnauthorized(w, "not signed in")
		return
	}
	httputil.WriteSuccess(w, claims)
}

// record writes an audit event; failures are logged and never fail the request.
func (h *Handlers) record(r *http.Request, event *audit.Event) {
	if err := h.cfg.Audit.Log(r.Context(), event); err != nil {
		h.logger.WithContext(r.Context()).WithError(err).Warn("Failed to write audit event")
	}
}

func isCallback(r *http.Request, _ *mux.RouteMatch) bool {
	switch r.Method {
	case http.MethodGet:
		return r.URL.Query().Get("state") != ""
	case http.MethodPost:
		return r.PostFormValue("state") != "" || r.PostFormValue("RelayState") != ""
	}
	return false
}

func writeAuthFailure(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	w.Write([]byte(authFailurePage))
}

type kindHandlers[P Provider] struct {
	kinds       *KindRegistry[P]
	newProvider func() P
	basePath    string
	logger      *observability.Logger
	record      func(*http.Request, *audit.Event)
}

// recordMutation audits a successful change to p
func (kh *kindHandlers[P]) recordMutation(r *http.Request, eventType audit.EventType, p P) {
	event := audit.NewEvent(r, eventType, audit.StatusSuccess)
	event.ProviderType = string(p.Type())
	event.ProviderID = p.Base().ID
	event.Scheme = p.Base().Scheme
	kh.record(r, event)
}

func registerKindRoutes[P Provider](api *mux.Router, prefix string, kh *kindHandlers[P]) {
	kh.basePath = "/api/providers" + prefix
	api.HandleFunc(prefix, kh.list).Methods("GET")
	api.HandleFunc(prefix, kh.create).Methods("POST")
	api.HandleFunc(prefix+"/{id:[0-9]+}", kh.get).Methods("GET")
	api.HandleFunc(prefix+"/{id:[0-9]+}", kh.update).Methods("PUT")
	api.HandleFunc(prefix+"/{id:[0-9]+}", kh.delete).Methods("DELETE")
	api.HandleFunc(prefix+"/{id:[0-9]+}/toggle", kh.toggle).Methods("POST")
}

func (kh *kindHandlers[P]) list(w http.ResponseWriter, r *http.Request) {
	providers, err := kh.kinds.GetAll(r.Context())
	if err != nil {
		kh.logger.WithContext(r.Context()).WithError(err).Error("Failed to list providers")
		httputil.WriteInternalError(w)
		return
	}
	for _, p := range providers {
		p.redact()
	}
	httputil.WriteSuccess(w, providers)
}

func (kh *kindHandlers[P]) get(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	p, err := kh.kinds.GetByID(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "provider not found")
		return
	}
	if err != nil {
		kh.logger.WithContext(r.Context()).WithError(err).Error("Failed to get provider")
		httputil.WriteInternalError(w)
		return
	}
	p.redact()
	httputil.WriteSuccess(w, p)
}

func (kh *kindHandlers[P]) create(w http.ResponseWriter, r *http.Request) {
	p := kh.newProvider()
	if !httputil.ParseJSONOrError(w, r, p) {
		return
	}

	created, err := kh.kinds.Create(r.Context(), p)
	if errors.Is(err, ErrValidation) {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if err != nil {
		kh.logger.WithContext(r.Context()).WithError(err).Error("Failed to create provider")
		httputil.WriteInternalError(w)
		return
	}
	kh.recordMutation(r, audit.EventProviderCreate, created)
	created.redact()
	httputil.WriteCreated(w, kh.basePath+"/"+strconv.FormatInt(created.Base().ID, 10), created)
}

func (kh *kindHandlers[P]) update(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	p := kh.newProvider()
	if !httputil.ParseJSONOrError(w, r, p) {
		return
	}
	if p.Base().ID != id {
		httputil.WriteBadRequest(w, "id in body does not match path")
		return
	}

	updated, err := kh.kinds.Update(r.Context(), p)
	switch {
	case errors.Is(err, ErrNotFound):
		httputil.WriteNotFound(w, "provider not found")
		return
	case errors.Is(err, ErrValidation):
		httputil.WriteBadRequest(w, err.Error())
		return
	case err != nil:
		kh.logger.WithContext(r.Context()).WithError(err).Error("Failed to update provider")
		httputil.WriteBadRequest(w, "provider could not be updated")
		return
	}
	kh.recordMutation(r, audit.EventProviderUpdate, updated)
	updated.redact()
	httputil.WriteSuccess(w, updated)
}

func (kh *kindHandlers[P]) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	// Looked up first so the audit record names the scheme.
	existing, err := kh.kinds.GetByID(r.Context(), id)
	if err == nil {
		err = kh.kinds.Delete(r.Context(), id)
	}
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "provider not found")
		return
	}
	if err != nil {
		kh.logger.WithContext(r.Context()).WithError(err).Error("Failed to delete provider")
		httputil.WriteInternalError(w)
		return
	}
	kh.recordMutation(r, audit.EventProviderDelete, existing)
	httputil.WriteNoContent(w)
}

// toggle flips the enabled flag
func (kh *kindHandlers[P]) toggle(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	current, err := kh.kinds.GetByID(r.Context(), id)
	if err == nil {
		current, err = kh.kinds.SetEnabled(r.Context(), id, !current.Base().Enabled)
	}
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "provider not found")
		return
	}
	if err != nil {
		kh.logger.WithContext(r.Context()).WithError(err).Error("Failed to toggle provider")
		httputil.WriteInternalError(w)
		return
	}
	kh.recordMutation(r, audit.EventProviderToggle, current)
	current.redact()
	httputil.WriteSuccess(w, current)
}
