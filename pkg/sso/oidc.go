package sso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const maxDiscoveryBytes = 1 << 20

// OIDCHandler runs the authorization code flow for one scheme. Discovery is
// performed on first use and kept for the handler's lifetime.
type OIDCHandler struct {
	opts        *OIDCOptions
	redirectURL string
	client      *http.Client

	mu       sync.Mutex
	provider *oidc.Provider
}

// NewOIDCHandler creates a handler whose redirect URI is baseURL joined with
// the options' callback path.
func NewOIDCHandler(opts *OIDCOptions, baseURL string, client *http.Client) *OIDCHandler {
	if client == nil {
		client = http.DefaultClient
	}
	return &OIDCHandler{
		opts:        opts,
		redirectURL: strings.TrimRight(baseURL, "/") + opts.CallbackPath,
		client:      client,
	}
}

// Options returns the options the handler was built from
func (h *OIDCHandler) Options() *OIDCOptions { return h.opts }

// RedirectURL returns the absolute callback URL sent to the provider
func (h *OIDCHandler) RedirectURL() string { return h.redirectURL }

func (h *OIDCHandler) clientContext(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, h.client)
}

func (h *OIDCHandler) discover(ctx context.Context) (*oidc.Provider, error) {
	if !h.opts.Configured {
		return nil, ErrResolutionFailure
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.provider != nil {
		return h.provider, nil
	}

	if h.opts.RequireHTTPSMetadata {
		for _, raw := range []string{h.opts.Authority, h.opts.MetadataAddress} {
			if raw != "" && !isHTTPS(raw) {
				return nil, fmt.Errorf("metadata address %s must use https", raw)
			}
		}
	}

	ctx = h.clientContext(ctx)
	var provider *oidc.Provider
	if h.opts.MetadataAddress != "" {
		cfg, err := h.fetchDiscovery(ctx, h.opts.MetadataAddress)
		if err != nil {
			return nil, err
		}
		provider = cfg.NewProvider(ctx)
	} else {
		p, err := oidc.NewProvider(ctx, h.opts.Authority)
		if err != nil {
			return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
		}
		provider = p
	}

	h.provider = provider
	return provider, nil
}

func (h *OIDCHandler) fetchDiscovery(ctx context.Context, address string) (*oidc.ProviderConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch discovery document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch discovery document: unexpected status %d", resp.StatusCode)
	}

	var doc discoveryDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDiscoveryBytes)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	if doc.AuthURL == "" || doc.TokenURL == "" {
		return nil, errors.New("discovery document is missing endpoints")
	}
	if doc.Issuer == "" {
		doc.Issuer = h.opts.Authority
	}
	return &oidc.ProviderConfig{
		IssuerURL:     doc.Issuer,
		AuthURL:       doc.AuthURL,
		TokenURL:      doc.TokenURL,
		DeviceAuthURL: doc.DeviceAuthURL,
		UserInfoURL:   doc.UserInfoURL,
		JWKSURL:       doc.JWKSURL,
		Algorithms:    doc.Algorithms,
	}, nil
}

// discoveryDocument is the subset of OpenID Provider Metadata we consume.
type discoveryDocument struct {
	Issuer        string   `json:"issuer"`
	AuthURL       string   `json:"authorization_endpoint"`
	TokenURL      string   `json:"token_endpoint"`
	DeviceAuthURL string   `json:"device_authorization_endpoint"`
	UserInfoURL   string   `json:"userinfo_endpoint"`
	JWKSURL       string   `json:"jwks_uri"`
	Algorithms    []string `json:"id_token_signing_alg_values_supported"`
}

func (h *OIDCHandler) oauth2Config(provider *oidc.Provider) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     h.opts.ClientID,
		ClientSecret: h.opts.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  h.redirectURL,
		Scopes:       h.opts.Scopes,
	}
}

// AuthCodeURL returns the provider's authorization URL carrying state and nonce.
func (h *OIDCHandler) AuthCodeURL(ctx context.Context, state, nonce string) (string, error) {
	provider, err := h.discover(ctx)
	if err != nil {
		return "", err
	}
	opts := []oauth2.AuthCodeOption{oidc.Nonce(nonce)}
	if h.opts.ResponseType != "" && h.opts.ResponseType != DefaultResponseType {
		opts = append(opts, oauth2.SetAuthURLParam("response_type", h.opts.ResponseType))
	}
	return h.oauth2Config(provider).AuthCodeURL(state, opts...), nil
}

// Exchange redeems an authorization code and verifies the returned ID token
// against nonce.
func (h *OIDCHandler) Exchange(ctx context.Context, code, nonce string) (*ExternalIdentity, error) {
	if code == "" {
		return nil, errors.New("missing authorization code")
	}
	provider, err := h.discover(ctx)
	if err != nil {
		return nil, err
	}
	ctx = h.clientContext(ctx)

	token, err := h.oauth2Config(provider).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, errors.New("missing id_token in token response")
	}
	idToken, err := provider.Verifier(&oidc.Config{ClientID: h.opts.ClientID}).Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}
	if idToken.Nonce != nonce {
		return nil, errors.New("id_token nonce mismatch")
	}

	claims := map[string]interface{}{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}

	if h.opts.GetClaimsFromUserInfoEndpoint && provider.UserInfoEndpoint() != "" {
		info, err := provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch user info: %w", err)
		}
		if info.Subject != idToken.Subject {
			return nil, errors.New("userinfo subject does not match id_token")
		}
		extra := map[string]interface{}{}
		if err := info.Claims(&extra); err != nil {
			return nil, fmt.Errorf("failed to parse user info: %w", err)
		}
		for k, v := range extra {
			if _, exists := claims[k]; !exists {
				claims[k] = v
			}
		}
	}

	identity := &ExternalIdentity{
		Scheme:  h.opts.Scheme,
		Kind:    ProviderTypeOIDC,
		Subject: idToken.Subject,
		Email:   stringClaim(claims, claimEmail),
		Name:    stringClaim(claims, claimName, "preferred_username"),
		Claims:  claims,
	}
	if h.opts.SaveTokens {
		identity.Tokens = token
	}
	return identity, nil
}

func isHTTPS(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme == "https"
}
