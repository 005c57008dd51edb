package sso

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/idhub/pkg/observability"
)

// Placeholder values handed out for schemes with no enabled provider. They
// point nowhere, so a handshake started from them fails at the IdP.
const (
	PlaceholderAuthority = "https://unconfigured.invalid"
	PlaceholderClientID  = "unconfigured"
	PlaceholderEntityID  = "urn:idhub:unconfigured"
	PlaceholderSSOURL    = "https://unconfigured.invalid/saml/sso"
)

// OIDCOptions is the runtime configuration derived from an OIDCProvider.
type OIDCOptions struct {
	Scheme string
	// Configured is false for placeholders.
	Configured bool

	Authority                     string
	ClientID                      string
	ClientSecret                  string
	ResponseType                  string
	Scopes                        []string
	CallbackPath                  string
	GetClaimsFromUserInfoEndpoint bool
	SaveTokens                    bool
	MetadataAddress               string
	RequireHTTPSMetadata          bool
	SignInScheme                  string
}

// SAMLOptions is the runtime configuration derived from a SAMLProvider.
type SAMLOptions struct {
	Scheme     string
	Configured bool

	SpEntityID                 string
	IdpEntityID                string
	IdpSingleSignOnURL         string
	IdpMetadataURL             string
	ACSPath                    string
	IdpCertificate             string
	SpCertificate              string
	SpCertificatePassword      string
	SignAuthenticationRequests bool
	WantAssertionsSigned       bool
	NameIDFormat               string
	BindingType                string
	SignInScheme               string
}

// SchemeResolver turns scheme names into runtime options by reading the
// registry on demand. It never fails: unknown, disabled, or unreadable
// schemes resolve to placeholders.
type SchemeResolver struct {
	registry     *Registry
	signInScheme string
	logger       *observability.Logger
	metrics      *observability.Metrics
}

// NewSchemeResolver creates a resolver. signInScheme names the local scheme
// that persists the external identity after a successful handshake.
func NewSchemeResolver(registry *Registry, signInScheme string, logger *observability.Logger, metrics *observability.Metrics) *SchemeResolver {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &SchemeResolver{
		registry:     registry,
		signInScheme: signInScheme,
		logger:       logger,
		metrics:      metrics,
	}
}

// SchemeExists reports whether an enabled provider owns name, checking OIDC
// before SAML. Store failures are logged and reported as absent.
func (r *SchemeResolver) SchemeExists(ctx context.Context, name string) (ProviderType, bool) {
	ctx, span := observability.Tracer().Start(ctx, "sso.SchemeExists")
	defer span.End()
	span.SetAttributes(attribute.String("sso.scheme", name))

	if _, ok := r.LookupOIDC(ctx, name); ok {
		span.SetAttributes(attribute.String("sso.kind", string(ProviderTypeOIDC)))
		return ProviderTypeOIDC, true
	}
	if _, ok := r.LookupSAML(ctx, name); ok {
		span.SetAttributes(attribute.String("sso.kind", string(ProviderTypeSAML)))
		return ProviderTypeSAML, true
	}
	return "", false
}

// LookupOIDC returns the options of the enabled OIDC provider named name.
func (r *SchemeResolver) LookupOIDC(ctx context.Context, name string) (*OIDCOptions, bool) {
	p, err := r.registry.OIDC().GetByScheme(ctx, name)
	if !r.usable(ctx, ProviderTypeOIDC, name, p, err) {
		return nil, false
	}
	return &OIDCOptions{
		Scheme:                        p.Scheme,
		Configured:                    true,
		Authority:                     p.Authority,
		ClientID:                      p.ClientID,
		ClientSecret:                  p.ClientSecret,
		ResponseType:                  p.ResponseType,
		Scopes:                        ParseScopes(p.Scopes),
		CallbackPath:                  p.CallbackPath,
		GetClaimsFromUserInfoEndpoint: p.GetClaimsFromUserInfoEndpoint,
		SaveTokens:                    p.SaveTokens,
		MetadataAddress:               p.MetadataAddress,
		RequireHTTPSMetadata:          p.RequireHTTPSMetadata,
		SignInScheme:                  r.signInScheme,
	}, true
}

// LookupSAML returns the options of the enabled SAML provider named name.
func (r *SchemeResolver) LookupSAML(ctx context.Context, name string) (*SAMLOptions, bool) {
	p, err := r.registry.SAML().GetByScheme(ctx, name)
	if !r.usable(ctx, ProviderTypeSAML, name, p, err) {
		return nil, false
	}
	return &SAMLOptions{
		Scheme:                     p.Scheme,
		Configured:                 true,
		SpEntityID:                 p.SpEntityID,
		IdpEntityID:                p.IdpEntityID,
		IdpSingleSignOnURL:         p.IdpSingleSignOnURL,
		IdpMetadataURL:             p.IdpMetadataURL,
		ACSPath:                    p.ACSPath,
		IdpCertificate:             p.IdpCertificate,
		SpCertificate:              p.SpCertificate,
		SpCertificatePassword:      p.SpCertificatePassword,
		SignAuthenticationRequests: p.SignAuthenticationRequests,
		WantAssertionsSigned:       p.WantAssertionsSigned,
		NameIDFormat:               p.NameIDFormat,
		BindingType:                p.BindingType,
		SignInScheme:               r.signInScheme,
	}, true
}

// ResolveOIDC returns the options for name, or a placeholder.
func (r *SchemeResolver) ResolveOIDC(ctx context.Context, name string) *OIDCOptions {
	if opts, ok := r.LookupOIDC(ctx, name); ok {
		r.metrics.SchemeResolution(string(ProviderTypeOIDC), "configured")
		return opts
	}
	r.metrics.SchemeResolution(string(ProviderTypeOIDC), "placeholder")
	r.logger.WithContext(ctx).WithField("scheme", name).Warn("No enabled OIDC provider for scheme, using placeholder options")
	return &OIDCOptions{
		Scheme:               name,
		Authority:            PlaceholderAuthority,
		ClientID:             PlaceholderClientID,
		ResponseType:         DefaultResponseType,
		Scopes:               ParseScopes(DefaultScopes),
		CallbackPath:         DefaultCallbackPath,
		RequireHTTPSMetadata: true,
		SignInScheme:         r.signInScheme,
	}
}

// ResolveSAML returns the options for name, or a placeholder.
func (r *SchemeResolver) ResolveSAML(ctx context.Context, name string) *SAMLOptions {
	if opts, ok := r.LookupSAML(ctx, name); ok {
		r.metrics.SchemeResolution(string(ProviderTypeSAML), "configured")
		return opts
	}
	r.metrics.SchemeResolution(string(ProviderTypeSAML), "placeholder")
	r.logger.WithContext(ctx).WithField("scheme", name).Warn("No enabled SAML provider for scheme, using placeholder options")
	return &SAMLOptions{
		Scheme:               name,
		SpEntityID:           PlaceholderEntityID,
		IdpEntityID:          PlaceholderEntityID,
		IdpSingleSignOnURL:   PlaceholderSSOURL,
		ACSPath:              DefaultACSPath,
		WantAssertionsSigned: true,
		NameIDFormat:         DefaultNameIDFormat,
		BindingType:          BindingPOST,
		SignInScheme:         r.signInScheme,
	}
}

func (r *SchemeResolver) usable(ctx context.Context, kind ProviderType, name string, p Provider, err error) bool {
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			_, span := observability.Tracer().Start(ctx, "sso.ResolveError")
			span.RecordError(err)
			span.SetStatus(codes.Error, "store read failed")
			span.End()
			r.metrics.SchemeResolution(string(kind), "error")
			r.logger.WithContext(ctx).WithError(err).WithField("scheme", name).Error("Failed to read provider for scheme")
		}
		return false
	}
	return p.Base().Enabled
}

// ParseScopes splits a scope string on spaces and commas, dropping empties.
func ParseScopes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n'
	})
}
