package sso

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer     = "idhub"
	stateAudience   = "idhub-handshake"
	sessionAudience = "idhub-session"
)

// HandshakeState is the signed round-trip state of a federated sign-in.
// The JWT ID doubles as the OIDC nonce.
type HandshakeState struct {
	jwt.RegisteredClaims
	Scheme    string       `json:"scheme"`
	Kind      ProviderType `json:"kind"`
	ReturnURL string       `json:"return_url"`
}

// Nonce returns the nonce bound to this handshake
func (s *HandshakeState) Nonce() string { return s.ID }

// StateCodec signs and verifies HandshakeState tokens with HS256.
type StateCodec struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewStateCodec creates a codec whose tokens expire after ttl
func NewStateCodec(key []byte, ttl time.Duration) *StateCodec {
	return &StateCodec{key: key, ttl: ttl, now: time.Now}
}

// Encode signs a handshake state
func (c *StateCodec) Encode(scheme string, kind ProviderType, returnURL, nonce string) (string, error) {
	now := c.now().UTC()
	claims := HandshakeState{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        nonce,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{stateAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		Scheme:    scheme,
		Kind:      kind,
		ReturnURL: returnURL,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
}

// Decode verifies a state token. Every failure wraps ErrInvalidState.
func (c *StateCodec) Decode(token string) (*HandshakeState, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing state", ErrInvalidState)
	}
	claims := &HandshakeState{}
	_, err := jwt.ParseWithClaims(token, claims, c.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(stateAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if claims.Scheme == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: incomplete state", ErrInvalidState)
	}
	return claims, nil
}

func (c *StateCodec) keyFunc(*jwt.Token) (interface{}, error) { return c.key, nil }

// SessionClaims describe the local session issued after a federated sign-in.
type SessionClaims struct {
	jwt.RegisteredClaims
	Scheme string       `json:"scheme"`
	Kind   ProviderType `json:"kind"`
	Email  string       `json:"email,omitempty"`
	Name   string       `json:"name,omitempty"`
}

// ErrNoSession is returned when a request carries no valid session cookie
var ErrNoSession = errors.New("no session")

// SessionIssuer turns an external identity into a signed session cookie for
// the local sign-in scheme.
type SessionIssuer struct {
	key        []byte
	ttl        time.Duration
	cookieName string
	secure     bool
	now        func() time.Time
}

// NewSessionIssuer creates an issuer writing cookieName, marked Secure when secure is set.
func NewSessionIssuer(key []byte, ttl time.Duration, cookieName string, secure bool) *SessionIssuer {
	return &SessionIssuer{key: key, ttl: ttl, cookieName: cookieName, secure: secure, now: time.Now}
}

// CookieName returns the session cookie name
func (s *SessionIssuer) CookieName() string { return s.cookieName }

// Issue signs a session for identity and wraps it in a cookie.
func (s *SessionIssuer) Issue(identity *ExternalIdentity) (*http.Cookie, error) {
	now := s.now().UTC()
	expires := now.Add(s.ttl)
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.Subject,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{sessionAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Scheme: identity.Scheme,
		Kind:   identity.Kind,
		Email:  identity.Email,
		Name:   identity.Name,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("sign session: %w", err)
	}
	return &http.Cookie{
		Name:     s.cookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

// Parse verifies a session token
func (s *SessionIssuer) Parse(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(sessionAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	return claims, nil
}

// FromRequest reads and verifies the session cookie on r
func (s *SessionIssuer) FromRequest(r *http.Request) (*SessionClaims, error) {
	c, err := r.Cookie(s.cookieName)
	if err != nil {
		return nil, ErrNoSession
	}
	return s.Parse(c.Value)
}
