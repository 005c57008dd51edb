// Package sso is the dynamic external identity provider registry.
//
// Administrators create, update, toggle, and delete OIDC and SAML 2.0
// providers at runtime through a REST surface. Each provider is addressed by
// a unique scheme name shared across both kinds, and sign-in requests for a
// scheme are resolved against the stored configuration on every use, so
// changes take effect without a restart.
//
// # Layout
//
// Store implementations persist providers (MemoryStore for tests and local
// runs, SQLStore over postgres or sqlite3). Registry validates, applies
// defaults, retains write-only secrets, and invalidates derived state on
// every mutation. SchemeResolver turns a scheme name into protocol options,
// returning a placeholder when the scheme is unknown or disabled.
// Authenticator caches the built OIDCHandler and SAMLHandler per scheme.
//
// Challenger drives the browser handshake: Challenge validates the return
// URL and produces a redirect or auto-submitting form, Complete verifies the
// signed state and exchanges the protocol response for an ExternalIdentity.
//
// # Invalidation
//
// Registry mutations call an Invalidator. Wire a MultiInvalidator over the
// Authenticator and SchemeProvider, and add a RedisInvalidationBus to
// propagate invalidations to other instances:
//
//	inv := sso.NewMultiInvalidator()
//	registry := sso.NewRegistry(oidcStore, samlStore, inv, logger, metrics)
//	resolver := sso.NewSchemeResolver(registry, "idhub.external", logger, metrics)
//	auth := sso.NewAuthenticator(resolver, sso.AuthenticatorConfig{BaseURL: base}, metrics)
//	schemes := sso.NewSchemeProvider()
//	local := sso.NewMultiInvalidator(auth, schemes)
//	inv.Add(local)
//
// # Routes
//
//	GET    /api/providers/all
//	GET    /api/providers/{oidc|saml}
//	POST   /api/providers/{oidc|saml}
//	GET    /api/providers/{oidc|saml}/{id}
//	PUT    /api/providers/{oidc|saml}/{id}
//	DELETE /api/providers/{oidc|saml}/{id}
//	POST   /api/providers/{oidc|saml}/{id}/toggle
//	GET    /externallogin/challenge?scheme=...&returnUrl=...
//	GET    /externallogin/session
package sso
