package sso

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	saml2 "github.com/russellhaering/gosaml2"
	"github.com/russellhaering/gosaml2/types"
	dsig "github.com/russellhaering/goxmldsig"
	"golang.org/x/crypto/pkcs12"
)

const maxMetadataBytes = 4 << 20

// SAMLRequest is an outbound AuthnRequest. Exactly one of RedirectURL and
// FormHTML is set, depending on the binding.
type SAMLRequest struct {
	RedirectURL string
	FormHTML    []byte
}

// SAMLHandler runs the SP-initiated Web SSO profile for one scheme. The
// service provider is built on first use, fetching IdP metadata if a
// metadata URL is configured.
type SAMLHandler struct {
	opts   *SAMLOptions
	acsURL string
	client *http.Client

	mu sync.Mutex
	sp *saml2.SAMLServiceProvider
}

// NewSAMLHandler creates a handler whose ACS URL is baseURL joined with the
// options' ACS path.
func NewSAMLHandler(opts *SAMLOptions, baseURL string, client *http.Client) *SAMLHandler {
	if client == nil {
		client = http.DefaultClient
	}
	return &SAMLHandler{
		opts:   opts,
		acsURL: strings.TrimRight(baseURL, "/") + opts.ACSPath,
		client: client,
	}
}

// Options returns the options the handler was built from
func (h *SAMLHandler) Options() *SAMLOptions { return h.opts }

// ACSURL returns the absolute assertion consumer service URL
func (h *SAMLHandler) ACSURL() string { return h.acsURL }

func (h *SAMLHandler) serviceProvider(ctx context.Context) (*saml2.SAMLServiceProvider, error) {
	if !h.opts.Configured {
		return nil, ErrResolutionFailure
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sp != nil {
		return h.sp, nil
	}

	certStore := dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{}}
	if h.opts.IdpCertificate != "" {
		cert, err := ParseCertificate(h.opts.IdpCertificate)
		if err != nil {
			return nil, fmt.Errorf("idp certificate: %w", err)
		}
		certStore.Roots = append(certStore.Roots, cert)
	}
	if h.opts.IdpMetadataURL != "" {
		certs, err := h.fetchSigningCertificates(ctx, h.opts.IdpMetadataURL)
		if err != nil {
			return nil, err
		}
		certStore.Roots = append(certStore.Roots, certs...)
	}
	// Responses are always signature-checked. WantAssertionsSigned only
	// decides whether a signed Response envelope is enough.
	if len(certStore.Roots) == 0 {
		return nil, fmt.Errorf("%w: no IdP certificate configured for %q", ErrResolutionFailure, h.opts.Scheme)
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      h.opts.IdpSingleSignOnURL,
		IdentityProviderIssuer:      h.opts.IdpEntityID,
		ServiceProviderIssuer:       h.opts.SpEntityID,
		AssertionConsumerServiceURL: h.acsURL,
		AudienceURI:                 h.opts.SpEntityID,
		NameIdFormat:                h.opts.NameIDFormat,
		IDPCertificateStore:         &certStore,
	}

	if h.opts.SpCertificate != "" {
		keyStore, err := loadPFX(h.opts.SpCertificate, h.opts.SpCertificatePassword)
		if err != nil {
			return nil, fmt.Errorf("sp certificate: %w", err)
		}
		sp.SPKeyStore = keyStore
		sp.SignAuthnRequests = h.opts.SignAuthenticationRequests
	} else if h.opts.SignAuthenticationRequests {
		return nil, errors.New("signed requests are required but no SP certificate is configured")
	}

	h.sp = sp
	return sp, nil
}

// AuthRequest builds the AuthnRequest carrying relayState.
func (h *SAMLHandler) AuthRequest(ctx context.Context, relayState string) (*SAMLRequest, error) {
	sp, err := h.serviceProvider(ctx)
	if err != nil {
		return nil, err
	}

	if h.opts.BindingType == BindingRedirect {
		u, err := sp.BuildAuthURL(relayState)
		if err != nil {
			return nil, fmt.Errorf("failed to build auth URL: %w", err)
		}
		return &SAMLRequest{RedirectURL: u}, nil
	}

	body, err := sp.BuildAuthBodyPost(relayState)
	if err != nil {
		return nil, fmt.Errorf("failed to build auth form: %w", err)
	}
	return &SAMLRequest{FormHTML: body}, nil
}

// ValidateResponse verifies a base64 SAMLResponse posted to the ACS.
func (h *SAMLHandler) ValidateResponse(ctx context.Context, encodedResponse string) (*ExternalIdentity, error) {
	if encodedResponse == "" {
		return nil, errors.New("missing SAMLResponse parameter")
	}
	sp, err := h.serviceProvider(ctx)
	if err != nil {
		return nil, err
	}

	info, err := sp.RetrieveAssertionInfo(encodedResponse)
	if err != nil {
		return nil, fmt.Errorf("failed to validate assertion: %w", err)
	}
	if info.WarningInfo != nil {
		if info.WarningInfo.InvalidTime {
			return nil, errors.New("assertion has invalid time")
		}
		if info.WarningInfo.NotInAudience {
			return nil, errors.New("assertion not in expected audience")
		}
	}
	if info.NameID == "" {
		return nil, errors.New("missing NameID in SAML assertion")
	}
	if h.opts.WantAssertionsSigned {
		signed, err := assertionsSigned(encodedResponse)
		if err != nil {
			return nil, err
		}
		if !signed {
			return nil, errors.New("assertion is not signed")
		}
	}

	claims := make(map[string]interface{}, len(info.Values))
	for name, attr := range info.Values {
		switch len(attr.Values) {
		case 0:
		case 1:
			claims[name] = attr.Values[0].Value
		default:
			vals := make([]string, 0, len(attr.Values))
			for _, v := range attr.Values {
				vals = append(vals, v.Value)
			}
			claims[name] = vals
		}
	}

	return &ExternalIdentity{
		Scheme:  h.opts.Scheme,
		Kind:    ProviderTypeSAML,
		Subject: info.NameID,
		Email:   stringClaim(claims, claimEmail, samlClaimEmail),
		Name:    stringClaim(claims, claimName, samlClaimName, samlClaimGivenKey),
		Claims:  claims,
	}, nil
}

type signedResponse struct {
	XMLName    xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol Response"`
	Assertions []struct {
		Signature *struct{} `xml:"http://www.w3.org/2000/09/xmldsig# Signature"`
	} `xml:"urn:oasis:names:tc:SAML:2.0:assertion Assertion"`
}

// assertionsSigned reports whether every assertion in the response carries
// its own signature. Signature validity is checked by gosaml2; this only
// rejects responses where the envelope alone was signed.
func assertionsSigned(encodedResponse string) (bool, error) {
	raw, err := base64.StdEncoding.DecodeString(stripWhitespace(encodedResponse))
	if err != nil {
		return false, fmt.Errorf("decode SAMLResponse: %w", err)
	}
	var resp signedResponse
	if err := xml.Unmarshal(raw, &resp); err != nil {
		return false, fmt.Errorf("parse SAMLResponse: %w", err)
	}
	if len(resp.Assertions) == 0 {
		return false, nil
	}
	for _, a := range resp.Assertions {
		if a.Signature == nil {
			return false, nil
		}
	}
	return true, nil
}

func (h *SAMLHandler) fetchSigningCertificates(ctx context.Context, metadataURL string) ([]*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build metadata request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch idp metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch idp metadata: unexpected status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return nil, fmt.Errorf("read idp metadata: %w", err)
	}
	return SigningCertificatesFromMetadata(raw)
}

// SigningCertificatesFromMetadata extracts the IdP signing certificates from
// an EntityDescriptor document.
func SigningCertificatesFromMetadata(raw []byte) ([]*x509.Certificate, error) {
	var metadata types.EntityDescriptor
	if err := xml.Unmarshal(raw, &metadata); err != nil {
		return nil, fmt.Errorf("parse idp metadata: %w", err)
	}
	if metadata.IDPSSODescriptor == nil {
		return nil, errors.New("idp metadata has no IDPSSODescriptor")
	}

	var certs []*x509.Certificate
	for _, kd := range metadata.IDPSSODescriptor.KeyDescriptors {
		if kd.Use != "" && kd.Use != "signing" {
			continue
		}
		for _, xc := range kd.KeyInfo.X509Data.X509Certificates {
			cert, err := ParseCertificate(xc.Data)
			if err != nil {
				return nil, fmt.Errorf("idp metadata certificate: %w", err)
			}
			certs = append(certs, cert)
		}
	}
	if len(certs) == 0 {
		return nil, errors.New("idp metadata has no signing certificate")
	}
	return certs, nil
}

// ParseCertificate accepts a PEM block or bare base64 DER.
func ParseCertificate(value string) (*x509.Certificate, error) {
	data := []byte(strings.TrimSpace(value))
	if block, _ := pem.Decode(data); block != nil {
		return x509.ParseCertificate(block.Bytes)
	}
	der, err := base64.StdEncoding.DecodeString(stripWhitespace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("certificate is neither PEM nor base64: %w", err)
	}
	return x509.ParseCertificate(der)
}

// loadPFX decodes a base64 PKCS#12 bundle holding an RSA signing key.
func loadPFX(encoded, password string) (dsig.X509KeyStore, error) {
	pfx, err := base64.StdEncoding.DecodeString(stripWhitespace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode pfx: %w", err)
	}
	key, cert, err := pkcs12.Decode(pfx, password)
	if err != nil {
		return nil, fmt.Errorf("open pfx: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("pfx private key is not RSA")
	}
	return &dsig.TLSCertKeyStore{
		PrivateKey:  rsaKey,
		Certificate: [][]byte{cert.Raw},
	}, nil
}

func stripWhitespace(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		if r != ' ' && r != '\n' && r != '\r' && r != '\t' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
