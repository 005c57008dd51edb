package sso

import (
	"context"
	"net/http"
	"time"

	"github.com/platinummonkey/idhub/pkg/observability"
)

// AuthenticatorConfig sizes the handler caches
type AuthenticatorConfig struct {
	BaseURL    string
	CacheSize  int
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

// Authenticator hands out per-scheme protocol handlers, building them from
// resolved options on first use. Handlers built from placeholders are never
// cached.
type Authenticator struct {
	resolver *SchemeResolver
	oidc     *OptionsCache[*OIDCHandler]
	saml     *OptionsCache[*SAMLHandler]
}

// NewAuthenticator creates an Authenticator over resolver.
func NewAuthenticator(resolver *SchemeResolver, cfg AuthenticatorConfig, metrics *observability.Metrics) *Authenticator {
	a := &Authenticator{resolver: resolver}
	a.oidc = NewOptionsCache[*OIDCHandler](ProviderTypeOIDC, cfg.CacheSize, cfg.CacheTTL,
		func(ctx context.Context, scheme string) (*OIDCHandler, bool) {
			opts := resolver.ResolveOIDC(ctx, scheme)
			return NewOIDCHandler(opts, cfg.BaseURL, cfg.HTTPClient), opts.Configured
		}, metrics)
	a.saml = NewOptionsCache[*SAMLHandler](ProviderTypeSAML, cfg.CacheSize, cfg.CacheTTL,
		func(ctx context.Context, scheme string) (*SAMLHandler, bool) {
			opts := resolver.ResolveSAML(ctx, scheme)
			return NewSAMLHandler(opts, cfg.BaseURL, cfg.HTTPClient), opts.Configured
		}, metrics)
	return a
}

// OIDC returns the handler for an OIDC scheme
func (a *Authenticator) OIDC(ctx context.Context, scheme string) *OIDCHandler {
	return a.oidc.Get(ctx, scheme)
}

// SAML returns the handler for a SAML scheme
func (a *Authenticator) SAML(ctx context.Context, scheme string) *SAMLHandler {
	return a.saml.Get(ctx, scheme)
}

// Invalidate drops both kinds' handlers for scheme.
func (a *Authenticator) Invalidate(scheme string) {
	a.oidc.Invalidate(scheme)
	a.saml.Invalidate(scheme)
}

// Purge drops every cached handler, forcing rediscovery and metadata reloads.
func (a *Authenticator) Purge() {
	a.oidc.Purge()
	a.saml.Purge()
}
