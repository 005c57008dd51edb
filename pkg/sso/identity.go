package sso

import (
	"golang.org/x/oauth2"
)

// Common claim names used to fill ExternalIdentity
const (
	claimEmail        = "email"
	claimName         = "name"
	samlClaimEmail    = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress"
	samlClaimName     = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name"
	samlClaimGivenKey = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/givenname"
)

// ExternalIdentity is the user asserted by an external provider.
type ExternalIdentity struct {
	Scheme  string                 `json:"scheme"`
	Kind    ProviderType           `json:"kind"`
	Subject string                 `json:"subject"`
	Email   string                 `json:"email,omitempty"`
	Name    string                 `json:"name,omitempty"`
	Claims  map[string]interface{} `json:"claims,omitempty"`

	// Tokens is set for OIDC providers with SaveTokens enabled.
	Tokens *oauth2.Token `json:"-"`
}

func stringClaim(claims map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
