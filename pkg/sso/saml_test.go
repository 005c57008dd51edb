package sso

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCertificate returns a self-signed certificate as base64 DER and PEM.
func testCertificate(t *testing.T) (der64 string, pemText string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "idp.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(der), string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func idpMetadata(certs ...string) string {
	var kds strings.Builder
	for _, c := range certs {
		fmt.Fprintf(&kds, `
    <md:KeyDescriptor use="signing">
      <ds:KeyInfo><ds:X509Data><ds:X509Certificate>%s</ds:X509Certificate></ds:X509Data></ds:KeyInfo>
    </md:KeyDescriptor>`, c)
	}
	return `<?xml version="1.0"?>
<md:EntityDescriptor xmlns:md="urn:oasis:names:tc:SAML:2.0:metadata" xmlns:ds="http://www.w3.org/2000/09/xmldsig#" entityID="https://idp.example.com/corp">
  <md:IDPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">` + kds.String() + `
    <md:SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST" Location="https://idp.example.com/corp/sso"/>
  </md:IDPSSODescriptor>
</md:EntityDescriptor>`
}

func samlOptions(scheme string) *SAMLOptions {
	return &SAMLOptions{
		Scheme:             scheme,
		Configured:         true,
		SpEntityID:         "https://idhub.example.com/saml",
		IdpEntityID:        "https://idp.example.com/" + scheme,
		IdpSingleSignOnURL: "https://idp.example.com/" + scheme + "/sso",
		IdpCertificate:     testIdPCertificate,
		ACSPath:            DefaultACSPath,
		NameIDFormat:       DefaultNameIDFormat,
		BindingType:        BindingPOST,
	}
}

func TestSAMLHandler_RedirectBinding(t *testing.T) {
	opts := samlOptions("corp")
	opts.BindingType = BindingRedirect
	h := NewSAMLHandler(opts, "https://idhub.example.com/", nil)
	assert.Equal(t, "https://idhub.example.com/saml/acs", h.ACSURL())

	req, err := h.AuthRequest(context.Background(), "state-123")
	require.NoError(t, err)
	assert.Empty(t, req.FormHTML)

	u, err := url.Parse(req.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", u.Host)
	assert.Equal(t, "/corp/sso", u.Path)
	assert.NotEmpty(t, u.Query().Get("SAMLRequest"))
	assert.Equal(t, "state-123", u.Query().Get("RelayState"))
}

func TestSAMLHandler_PostBinding(t *testing.T) {
	h := NewSAMLHandler(samlOptions("corp"), "https://idhub.example.com", nil)

	req, err := h.AuthRequest(context.Background(), "state-456")
	require.NoError(t, err)
	assert.Empty(t, req.RedirectURL)

	form := string(req.FormHTML)
	assert.Contains(t, form, "SAMLRequest")
	assert.Contains(t, form, "state-456")
	assert.Contains(t, form, "idp.example.com")
}

func TestSAMLHandler_Placeholder(t *testing.T) {
	resolver := NewSchemeResolver(NewRegistry(NewMemoryStore[*OIDCProvider](), NewMemoryStore[*SAMLProvider](), nil, nil, nil), "", nil, nil)
	h := NewSAMLHandler(resolver.ResolveSAML(context.Background(), "missing"), "https://idhub.example.com", nil)

	_, err := h.AuthRequest(context.Background(), "s")
	assert.ErrorIs(t, err, ErrResolutionFailure)
	_, err = h.ValidateResponse(context.Background(), "PHNhbWw+")
	assert.ErrorIs(t, err, ErrResolutionFailure)
}

func TestSAMLHandler_RequiresIdPCertificate(t *testing.T) {
	for _, wantSigned := range []bool{true, false} {
		opts := samlOptions("corp")
		opts.IdpCertificate = ""
		opts.WantAssertionsSigned = wantSigned
		_, err := NewSAMLHandler(opts, "https://idhub.example.com", nil).AuthRequest(context.Background(), "s")
		assert.ErrorIs(t, err, ErrResolutionFailure, "want_assertions_signed=%v", wantSigned)
		assert.ErrorContains(t, err, "certificate")
	}

	opts := samlOptions("corp")
	der64, pemText := testCertificate(t)
	for _, cert := range []string{der64, pemText} {
		opts.IdpCertificate = cert
		_, err := NewSAMLHandler(opts, "https://idhub.example.com", nil).AuthRequest(context.Background(), "s")
		assert.NoError(t, err)
	}

	opts.IdpCertificate = "not a certificate"
	_, err := NewSAMLHandler(opts, "https://idhub.example.com", nil).AuthRequest(context.Background(), "s")
	assert.ErrorContains(t, err, "idp certificate")
}

// unsignedResponse is a well-formed Response for samlOptions("corp") that
// matches issuer, audience, destination and validity window but carries no
// signature anywhere.
func unsignedResponse(subject string) string {
	now := time.Now().UTC()
	ts := func(t time.Time) string { return t.Format(time.RFC3339) }
	xmlText := `<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion" ID="_resp1" Version="2.0" IssueInstant="` + ts(now) + `" Destination="https://idhub.example.com/saml/acs">
  <saml:Issuer>https://idp.example.com/corp</saml:Issuer>
  <samlp:Status><samlp:StatusCode Value="urn:oasis:names:tc:SAML:2.0:status:Success"/></samlp:Status>
  <saml:Assertion ID="_assert1" Version="2.0" IssueInstant="` + ts(now) + `">
    <saml:Issuer>https://idp.example.com/corp</saml:Issuer>
    <saml:Subject>
      <saml:NameID Format="urn:oasis:names:tc:SAML:1.1:nameid-format:unspecified">` + subject + `</saml:NameID>
      <saml:SubjectConfirmation Method="urn:oasis:names:tc:SAML:2.0:cm:bearer">
        <saml:SubjectConfirmationData NotOnOrAfter="` + ts(now.Add(5*time.Minute)) + `" Recipient="https://idhub.example.com/saml/acs"/>
      </saml:SubjectConfirmation>
    </saml:Subject>
    <saml:Conditions NotBefore="` + ts(now.Add(-time.Minute)) + `" NotOnOrAfter="` + ts(now.Add(5*time.Minute)) + `">
      <saml:AudienceRestriction><saml:Audience>https://idhub.example.com/saml</saml:Audience></saml:AudienceRestriction>
    </saml:Conditions>
    <saml:AuthnStatement AuthnInstant="` + ts(now) + `" SessionIndex="_s1">
      <saml:AuthnContext><saml:AuthnContextClassRef>urn:oasis:names:tc:SAML:2.0:ac:classes:Password</saml:AuthnContextClassRef></saml:AuthnContext>
    </saml:AuthnStatement>
  </saml:Assertion>
</samlp:Response>`
	return base64.StdEncoding.EncodeToString([]byte(xmlText))
}

func TestSAMLHandler_RejectsUnsignedResponse(t *testing.T) {
	for _, wantSigned := range []bool{true, false} {
		opts := samlOptions("corp")
		opts.WantAssertionsSigned = wantSigned
		h := NewSAMLHandler(opts, "https://idhub.example.com", nil)

		identity, err := h.ValidateResponse(context.Background(), unsignedResponse("admin@victim.example"))
		require.Error(t, err, "want_assertions_signed=%v", wantSigned)
		assert.Nil(t, identity)
	}
}

func TestAssertionsSigned(t *testing.T) {
	signed, err := assertionsSigned(unsignedResponse("alice"))
	require.NoError(t, err)
	assert.False(t, signed)

	withSig := `<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion" xmlns:ds="http://www.w3.org/2000/09/xmldsig#">
  <saml:Assertion ID="_a"><ds:Signature><ds:SignedInfo/></ds:Signature></saml:Assertion>
</samlp:Response>`
	signed, err = assertionsSigned(base64.StdEncoding.EncodeToString([]byte(withSig)))
	require.NoError(t, err)
	assert.True(t, signed)

	envelopeOnly := `<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion" xmlns:ds="http://www.w3.org/2000/09/xmldsig#">
  <ds:Signature><ds:SignedInfo/></ds:Signature>
  <saml:Assertion ID="_a"><saml:Issuer>x</saml:Issuer></saml:Assertion>
</samlp:Response>`
	signed, err = assertionsSigned(base64.StdEncoding.EncodeToString([]byte(envelopeOnly)))
	require.NoError(t, err)
	assert.False(t, signed)

	_, err = assertionsSigned("!!!")
	assert.Error(t, err)
}

func TestSAMLHandler_SignedRequestsNeedSPCertificate(t *testing.T) {
	opts := samlOptions("corp")
	opts.SignAuthenticationRequests = true
	_, err := NewSAMLHandler(opts, "https://idhub.example.com", nil).AuthRequest(context.Background(), "s")
	assert.ErrorContains(t, err, "SP certificate")

	opts.SpCertificate = base64.StdEncoding.EncodeToString([]byte("not a pfx"))
	_, err = NewSAMLHandler(opts, "https://idhub.example.com", nil).AuthRequest(context.Background(), "s")
	assert.ErrorContains(t, err, "sp certificate")
}

func TestSAMLHandler_MetadataCertificates(t *testing.T) {
	der64, _ := testCertificate(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/metadata" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/samlmetadata+xml")
		fmt.Fprint(w, idpMetadata(der64))
	}))
	defer srv.Close()

	opts := samlOptions("corp")
	opts.WantAssertionsSigned = true
	opts.IdpMetadataURL = srv.URL + "/metadata"
	h := NewSAMLHandler(opts, "https://idhub.example.com", srv.Client())

	_, err := h.AuthRequest(context.Background(), "s")
	require.NoError(t, err)
	_, err = h.AuthRequest(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "metadata is fetched once per handler")

	opts.IdpMetadataURL = srv.URL + "/missing"
	_, err = NewSAMLHandler(opts, "https://idhub.example.com", srv.Client()).AuthRequest(context.Background(), "s")
	assert.ErrorContains(t, err, "404")
}

func TestSigningCertificatesFromMetadata(t *testing.T) {
	a, _ := testCertificate(t)
	b, _ := testCertificate(t)

	certs, err := SigningCertificatesFromMetadata([]byte(idpMetadata(a, "\n  "+b+"\n")))
	require.NoError(t, err)
	assert.Len(t, certs, 2)
	assert.Equal(t, "idp.example.com", certs[0].Subject.CommonName)

	_, err = SigningCertificatesFromMetadata([]byte(idpMetadata()))
	assert.Error(t, err)

	_, err = SigningCertificatesFromMetadata([]byte("<nope"))
	assert.Error(t, err)

	_, err = SigningCertificatesFromMetadata([]byte(`<md:EntityDescriptor xmlns:md="urn:oasis:names:tc:SAML:2.0:metadata" entityID="x"></md:EntityDescriptor>`))
	assert.ErrorContains(t, err, "IDPSSODescriptor")
}

func TestSAMLHandler_ValidateResponseRejectsGarbage(t *testing.T) {
	h := NewSAMLHandler(samlOptions("corp"), "https://idhub.example.com", nil)
	ctx := context.Background()

	_, err := h.ValidateResponse(ctx, "")
	assert.ErrorContains(t, err, "missing SAMLResponse")

	_, err = h.ValidateResponse(ctx, "not-valid-base64!@#$")
	assert.ErrorContains(t, err, "failed to validate assertion")

	_, err = h.ValidateResponse(ctx, base64.StdEncoding.EncodeToString([]byte("invalid-xml")))
	assert.ErrorContains(t, err, "failed to validate assertion")
}

func TestParseCertificate(t *testing.T) {
	der64, pemText := testCertificate(t)

	c1, err := ParseCertificate(pemText)
	require.NoError(t, err)
	c2, err := ParseCertificate(der64[:40] + "\n" + der64[40:])
	require.NoError(t, err)
	assert.True(t, c1.Equal(c2))

	_, err = ParseCertificate("!!!")
	assert.Error(t, err)
}
