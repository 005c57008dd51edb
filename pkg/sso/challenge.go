package sso

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/idhub/pkg/observability"
)

// NonceCookieName binds an OIDC callback to the browser that started it
const NonceCookieName = "idhub.nonce"

// ErrCallbackPath is returned when a callback arrives on a path other than
// the one configured for its scheme.
var ErrCallbackPath = errors.New("callback path does not match scheme")

// ChallengeResult tells the caller how to send the browser to the provider.
// Exactly one of RedirectURL and FormHTML is set.
type ChallengeResult struct {
	Scheme      string
	Kind        ProviderType
	RedirectURL string
	FormHTML    []byte
	Nonce       string
}

// CallbackRequest carries the protocol parameters of a provider callback
type CallbackRequest struct {
	Path             string
	State            string
	NonceCookie      string
	Code             string
	Error            string
	ErrorDescription string
	SAMLResponse     string
}

// CallbackResult is a completed sign-in
type CallbackResult struct {
	Identity  *ExternalIdentity
	ReturnURL string
}

// Challenger starts and completes federated sign-ins for runtime-configured
// schemes.
type Challenger struct {
	schemes    *SchemeProvider
	resolver   *SchemeResolver
	auth       *Authenticator
	returnURLs *ReturnURLValidator
	states     *StateCodec
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewChallenger wires the challenge flow
func NewChallenger(schemes *SchemeProvider, resolver *SchemeResolver, auth *Authenticator, returnURLs *ReturnURLValidator, states *StateCodec, logger *observability.Logger, metrics *observability.Metrics) *Challenger {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Challenger{
		schemes:    schemes,
		resolver:   resolver,
		auth:       auth,
		returnURLs: returnURLs,
		states:     states,
		logger:     logger,
		metrics:    metrics,
	}
}

// Challenge validates returnURL, makes sure scheme is registered, and builds
// the outbound request to the provider.
func (c *Challenger) Challenge(ctx context.Context, scheme, returnURL string) (*ChallengeResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "sso.Challenge")
	defer span.End()
	span.SetAttributes(attribute.String("sso.scheme", scheme))
	logger := c.logger.WithContext(ctx).WithField("scheme", scheme)

	target, err := c.returnURLs.Validate(returnURL)
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"security_event": "invalid_return_url",
			"return_url":     returnURL,
		}).Warn("Rejected challenge with invalid return URL")
		c.metrics.Challenge("unknown", "invalid_return_url")
		span.SetStatus(codes.Error, "invalid return url")
		return nil, err
	}

	kind, ok := c.schemes.Lookup(scheme)
	if !ok {
		kind, ok = c.resolver.SchemeExists(ctx, scheme)
		if !ok {
			logger.Warn("Challenge for unknown scheme")
			c.metrics.Challenge("unknown", "unknown_scheme")
			span.SetStatus(codes.Error, "unknown scheme")
			return nil, ErrUnknownScheme
		}
		c.schemes.Add(scheme, kind)
		logger.WithField("kind", string(kind)).Info("Registered authentication scheme")
	}
	span.SetAttributes(attribute.String("sso.kind", string(kind)))

	nonce := uuid.NewString()
	state, err := c.states.Encode(scheme, kind, target, nonce)
	if err != nil {
		c.metrics.Challenge(string(kind), "error")
		return nil, fmt.Errorf("encode state: %w", err)
	}

	result := &ChallengeResult{Scheme: scheme, Kind: kind, Nonce: nonce}
	switch kind {
	case ProviderTypeOIDC:
		result.RedirectURL, err = c.auth.OIDC(ctx, scheme).AuthCodeURL(ctx, state, nonce)
	case ProviderTypeSAML:
		var req *SAMLRequest
		req, err = c.auth.SAML(ctx, scheme).AuthRequest(ctx, state)
		if err == nil {
			result.RedirectURL, result.FormHTML = req.RedirectURL, req.FormHTML
		}
	default:
		err = fmt.Errorf("unsupported provider type %q", kind)
	}
	if err != nil {
		logger.WithError(err).Error("Failed to build challenge")
		c.metrics.Challenge(string(kind), "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "challenge failed")
		return nil, err
	}

	c.metrics.Challenge(string(kind), "ok")
	return result, nil
}

// Complete verifies a provider callback and returns the signed-in identity.
func (c *Challenger) Complete(ctx context.Context, req CallbackRequest) (*CallbackResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "sso.Complete")
	defer span.End()

	st, err := c.states.Decode(req.State)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).WithField("security_event", "invalid_state").Warn("Rejected callback with invalid state")
		c.metrics.Callback("unknown", "invalid_state")
		return nil, err
	}
	span.SetAttributes(attribute.String("sso.scheme", st.Scheme), attribute.String("sso.kind", string(st.Kind)))
	logger := c.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"scheme": st.Scheme,
		"kind":   string(st.Kind),
	})

	identity, err := c.complete(ctx, st, req)
	if err != nil {
		if !errors.Is(err, ErrCallbackPath) {
			logger.WithError(err).Warn("Federated sign-in failed")
		}
		c.metrics.Callback(string(st.Kind), "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "callback failed")
		return nil, err
	}

	target, err := c.returnURLs.Validate(st.ReturnURL)
	if err != nil {
		c.metrics.Callback(string(st.Kind), "invalid_return_url")
		return nil, err
	}

	logger.WithField("subject", identity.Subject).Info("Federated sign-in completed")
	c.metrics.Callback(string(st.Kind), "ok")
	return &CallbackResult{Identity: identity, ReturnURL: target}, nil
}

func (c *Challenger) complete(ctx context.Context, st *HandshakeState, req CallbackRequest) (*ExternalIdentity, error) {
	switch st.Kind {
	case ProviderTypeOIDC:
		h := c.auth.OIDC(ctx, st.Scheme)
		if h.Options().CallbackPath != req.Path {
			return nil, ErrCallbackPath
		}
		if req.NonceCookie == "" || req.NonceCookie != st.Nonce() {
			return nil, fmt.Errorf("%w: nonce cookie mismatch", ErrInvalidState)
		}
		if req.Error != "" {
			return nil, fmt.Errorf("provider returned %s: %s", req.Error, req.ErrorDescription)
		}
		return h.Exchange(ctx, req.Code, st.Nonce())
	case ProviderTypeSAML:
		h := c.auth.SAML(ctx, st.Scheme)
		if h.Options().ACSPath != req.Path {
			return nil, ErrCallbackPath
		}
		return h.ValidateResponse(ctx, req.SAMLResponse)
	default:
		return nil, fmt.Errorf("%w: unsupported provider type %q", ErrInvalidState, st.Kind)
	}
}
