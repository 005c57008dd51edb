package sso

import (
	"context"
	"fmt"
)

func seedOIDC(scheme, name, authority, clientID, scopes, callback string, enabled bool) *OIDCProvider {
	p := NewOIDCProvider()
	p.Scheme = scheme
	p.DisplayName = name
	p.Enabled = enabled
	p.Authority = authority
	p.ClientID = clientID
	p.Scopes = scopes
	p.CallbackPath = callback
	return p
}

// SeedOIDCProviders are the OIDC templates installed by Seed. All but the
// public demo server are disabled until an administrator fills in real
// client credentials.
func SeedOIDCProviders() []*OIDCProvider {
	return []*OIDCProvider{
		seedOIDC("google", "Google", "https://accounts.google.com", "YOUR_GOOGLE_CLIENT_ID", "openid profile email", "/signin-google", false),
		seedOIDC("microsoft", "Microsoft", "https://login.microsoftonline.com/common/v2.0", "YOUR_MICROSOFT_CLIENT_ID", "openid profile email", "/signin-microsoft", false),
		seedOIDC("auth0", "Auth0", "https://YOUR_DOMAIN.auth0.com", "YOUR_AUTH0_CLIENT_ID", "openid profile email", "/signin-auth0", false),
		seedOIDC("okta", "Okta", "https://YOUR_DOMAIN.okta.com/oauth2/default", "YOUR_OKTA_CLIENT_ID", "openid profile email", "/signin-okta", false),
		seedOIDC("demo-duende", "Demo IdentityServer", "https://demo.duendesoftware.com", "interactive.public", "openid profile email api", "/signin-demo", true),
	}
}

// SeedSAMLProviders are the SAML templates installed by Seed
func SeedSAMLProviders() []*SAMLProvider {
	p := NewSAMLProvider()
	p.Scheme = "saml-example"
	p.DisplayName = "SAML Provider Example"
	p.Enabled = false
	p.SpEntityID = "https://localhost:5443"
	p.IdpEntityID = "https://idp.example.com"
	p.IdpSingleSignOnURL = "https://idp.example.com/sso"
	p.IdpMetadataURL = "https://idp.example.com/metadata"
	return []*SAMLProvider{p}
}

// Seed installs the template providers whose schemes are not yet taken and
// returns how many were created. Running it again is a no-op.
func Seed(ctx context.Context, registry *Registry) (int, error) {
	created := 0
	for _, p := range SeedOIDCProviders() {
		ok, err := seedOne(ctx, registry.OIDC(), p)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	for _, p := range SeedSAMLProviders() {
		ok, err := seedOne(ctx, registry.SAML(), p)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

func seedOne[P Provider](ctx context.Context, kinds *KindRegistry[P], p P) (bool, error) {
	scheme := p.Base().Scheme
	_, taken, err := kinds.parent.schemeOwner(ctx, scheme, kinds.kind, 0)
	if err != nil {
		return false, fmt.Errorf("seed %s: %w", scheme, err)
	}
	if taken {
		return false, nil
	}
	if _, err := kinds.Create(ctx, p); err != nil {
		return false, fmt.Errorf("seed %s: %w", scheme, err)
	}
	return true, nil
}
