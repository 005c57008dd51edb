package sso

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// ReturnURLValidator accepts local paths and a fixed set of absolute
// protocol return URLs, such as the authorize callback endpoint.
type ReturnURLValidator struct {
	mu      sync.RWMutex
	allowed []*url.URL
}

// NewReturnURLValidator parses the allowed absolute return URLs.
func NewReturnURLValidator(allowed []string) (*ReturnURLValidator, error) {
	v := &ReturnURLValidator{}
	if err := v.SetAllowed(allowed); err != nil {
		return nil, err
	}
	return v, nil
}

// SetAllowed replaces the allowed absolute return URLs. On error the
// current set is kept.
func (v *ReturnURLValidator) SetAllowed(allowed []string) error {
	parsed := make([]*url.URL, 0, len(allowed))
	for _, raw := range allowed {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("allowed return URL %q must be absolute", raw)
		}
		parsed = append(parsed, u)
	}
	v.mu.Lock()
	v.allowed = parsed
	v.mu.Unlock()
	return nil
}

// Validate returns the URL to redirect to after sign-in. An empty value
// means "/".
func (v *ReturnURLValidator) Validate(raw string) (string, error) {
	if raw == "" {
		return "/", nil
	}
	if hasControlChars(raw) {
		return "", ErrInvalidReturnURL
	}
	if IsLocalURL(raw) {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil || u.User != nil {
		return "", ErrInvalidReturnURL
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, a := range v.allowed {
		if strings.EqualFold(u.Scheme, a.Scheme) && strings.EqualFold(u.Host, a.Host) && u.Path == a.Path {
			return raw, nil
		}
	}
	return "", ErrInvalidReturnURL
}

// IsLocalURL reports whether raw is a path on this host. Protocol-relative
// forms such as //evil.example and /\evil.example are not local.
func IsLocalURL(raw string) bool {
	if raw == "" || raw[0] != '/' || hasControlChars(raw) {
		return false
	}
	if len(raw) == 1 {
		return true
	}
	return raw[1] != '/' && raw[1] != '\\'
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}
