package sso

import (
	"time"
)

// ProviderType distinguishes the two protocol families
type ProviderType string

const (
	ProviderTypeOIDC ProviderType = "OIDC"
	ProviderTypeSAML ProviderType = "SAML"
)

// Defaults applied to optional provider fields left empty
const (
	DefaultResponseType = "code"
	DefaultScopes       = "openid profile"
	DefaultCallbackPath = "/signin-oidc"
	DefaultACSPath      = "/saml/acs"
	DefaultNameIDFormat = "urn:oasis:names:tc:SAML:1.1:nameid-format:unspecified"
)

// SAML request bindings
const (
	BindingPOST     = "POST"
	BindingRedirect = "Redirect"
)

// ProviderBase holds the fields shared by every provider kind
type ProviderBase struct {
	ID           int64        `json:"id"`
	Scheme       string       `json:"scheme"`
	DisplayName  string       `json:"display_name"`
	Enabled      bool         `json:"enabled"`
	ProviderType ProviderType `json:"provider_type"`
	Created      time.Time    `json:"created"`
	Updated      *time.Time   `json:"updated,omitempty"`
}

// Provider is the closed set of provider kinds: *OIDCProvider and *SAMLProvider.
type Provider interface {
	Base() *ProviderBase
	Type() ProviderType
	// Validate checks the kind-specific required fields and formats.
	Validate() error

	applyDefaults()
	retainSecrets(prev Provider)
	redact()
	clone() Provider
}

// OIDCProvider configures an OpenID Connect identity provider
type OIDCProvider struct {
	ProviderBase
	Authority                     string `json:"authority"`
	ClientID                      string `json:"client_id"`
	ClientSecret                  string `json:"client_secret,omitempty"`
	ResponseType                  string `json:"response_type"`
	Scopes                        string `json:"scopes"`
	CallbackPath                  string `json:"callback_path"`
	GetClaimsFromUserInfoEndpoint bool   `json:"get_claims_from_user_info_endpoint"`
	SaveTokens                    bool   `json:"save_tokens"`
	MetadataAddress               string `json:"metadata_address,omitempty"`
	RequireHTTPSMetadata          bool   `json:"require_https_metadata"`
}

// NewOIDCProvider returns an OIDC provider with the documented defaults.
func NewOIDCProvider() *OIDCProvider {
	return &OIDCProvider{
		ProviderBase:                  ProviderBase{Enabled: true, ProviderType: ProviderTypeOIDC},
		ResponseType:                  DefaultResponseType,
		Scopes:                        DefaultScopes,
		CallbackPath:                  DefaultCallbackPath,
		GetClaimsFromUserInfoEndpoint: true,
		SaveTokens:                    true,
		RequireHTTPSMetadata:          true,
	}
}

func (p *OIDCProvider) Base() *ProviderBase { return &p.ProviderBase }

func (p *OIDCProvider) Type() ProviderType { return ProviderTypeOIDC }

func (p *OIDCProvider) Validate() error {
	if err := validateBase(&p.ProviderBase); err != nil {
		return err
	}
	if err := requireAbsoluteURL("authority", p.Authority); err != nil {
		return err
	}
	if p.ClientID == "" {
		return &ValidationError{Field: "client_id", Reason: "is required"}
	}
	if p.MetadataAddress != "" {
		if err := requireAbsoluteURL("metadata_address", p.MetadataAddress); err != nil {
			return err
		}
	}
	return validatePath("callback_path", p.CallbackPath)
}

func (p *OIDCProvider) applyDefaults() {
	p.ProviderType = ProviderTypeOIDC
	if p.ResponseType == "" {
		p.ResponseType = DefaultResponseType
	}
	if p.Scopes == "" {
		p.Scopes = DefaultScopes
	}
	if p.CallbackPath == "" {
		p.CallbackPath = DefaultCallbackPath
	}
}

func (p *OIDCProvider) retainSecrets(prev Provider) {
	old, ok := prev.(*OIDCProvider)
	if ok && p.ClientSecret == "" {
		p.ClientSecret = old.ClientSecret
	}
}

func (p *OIDCProvider) redact() { p.ClientSecret = "" }

func (p *OIDCProvider) clone() Provider {
	c := *p
	c.Updated = cloneTime(p.Updated)
	return &c
}

// SAMLProvider configures a SAML 2.0 identity provider
type SAMLProvider struct {
	ProviderBase
	SpEntityID                 string `json:"sp_entity_id"`
	IdpEntityID                string `json:"idp_entity_id"`
	IdpSingleSignOnURL         string `json:"idp_single_sign_on_url"`
	IdpMetadataURL             string `json:"idp_metadata_url,omitempty"`
	ACSPath                    string `json:"acs_path"`
	IdpCertificate             string `json:"idp_certificate,omitempty"`
	SpCertificate              string `json:"sp_certificate,omitempty"`
	SpCertificatePassword      string `json:"sp_certificate_password,omitempty"`
	SignAuthenticationRequests bool   `json:"sign_authentication_requests"`
	WantAssertionsSigned       bool   `json:"want_assertions_signed"`
	NameIDFormat               string `json:"name_id_format"`
	BindingType                string `json:"binding_type"`
}

// NewSAMLProvider returns a SAML provider with the documented defaults.
func NewSAMLProvider() *SAMLProvider {
	return &SAMLProvider{
		ProviderBase:               ProviderBase{Enabled: true, ProviderType: ProviderTypeSAML},
		ACSPath:                    DefaultACSPath,
		SignAuthenticationRequests: false,
		WantAssertionsSigned:       true,
		NameIDFormat:               DefaultNameIDFormat,
		BindingType:                BindingPOST,
	}
}

func (p *SAMLProvider) Base() *ProviderBase { return &p.ProviderBase }

func (p *SAMLProvider) Type() ProviderType { return ProviderTypeSAML }

func (p *SAMLProvider) Validate() error {
	if err := validateBase(&p.ProviderBase); err != nil {
		return err
	}
	if p.SpEntityID == "" {
		return &ValidationError{Field: "sp_entity_id", Reason: "is required"}
	}
	if p.IdpEntityID == "" {
		return &ValidationError{Field: "idp_entity_id", Reason: "is required"}
	}
	if err := requireAbsoluteURL("idp_single_sign_on_url", p.IdpSingleSignOnURL); err != nil {
		return err
	}
	if p.IdpMetadataURL != "" {
		if err := requireAbsoluteURL("idp_metadata_url", p.IdpMetadataURL); err != nil {
			return err
		}
	}
	if err := validatePath("acs_path", p.ACSPath); err != nil {
		return err
	}
	if p.BindingType != BindingPOST && p.BindingType != BindingRedirect {
		return &ValidationError{Field: "binding_type", Reason: "must be POST or Redirect"}
	}
	return nil
}

func (p *SAMLProvider) applyDefaults() {
	p.ProviderType = ProviderTypeSAML
	if p.ACSPath == "" {
		p.ACSPath = DefaultACSPath
	}
	if p.NameIDFormat == "" {
		p.NameIDFormat = DefaultNameIDFormat
	}
	if p.BindingType == "" {
		p.BindingType = BindingPOST
	}
}

func (p *SAMLProvider) retainSecrets(prev Provider) {
	old, ok := prev.(*SAMLProvider)
	if !ok {
		return
	}
	if p.SpCertificate == "" {
		p.SpCertificate = old.SpCertificate
	}
	if p.SpCertificatePassword == "" {
		p.SpCertificatePassword = old.SpCertificatePassword
	}
}

func (p *SAMLProvider) redact() {
	p.SpCertificate = ""
	p.SpCertificatePassword = ""
}

func (p *SAMLProvider) clone() Provider {
	c := *p
	c.Updated = cloneTime(p.Updated)
	return &c
}

func cloneProvider[P Provider](p P) P {
	return p.clone().(P)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
