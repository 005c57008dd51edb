package sso

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// ErrNotFound is returned when no provider has the requested id or scheme
	ErrNotFound = errors.New("provider not found")
	// ErrValidation wraps every *ValidationError
	ErrValidation = errors.New("validation failed")
	// ErrConflict is returned by stores when a scheme is already taken
	ErrConflict = errors.New("scheme already exists")
	// ErrUnknownScheme is returned when a challenge names no configured provider
	ErrUnknownScheme = errors.New("unknown authentication scheme")
	// ErrInvalidReturnURL is returned for return URLs that are neither local nor allowed
	ErrInvalidReturnURL = errors.New("invalid return url")
	// ErrResolutionFailure is returned when a scheme resolves to a placeholder
	ErrResolutionFailure = errors.New("authentication scheme is not configured")
	// ErrInvalidState is returned for missing, forged, or expired handshake state
	ErrInvalidState = errors.New("invalid handshake state")
)

// ValidationError describes a rejected provider field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) true for every ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

const maxSchemeLength = 200

var schemePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateScheme checks a scheme name is usable as a URL query value and route key.
func ValidateScheme(scheme string) error {
	switch {
	case scheme == "":
		return &ValidationError{Field: "scheme", Reason: "is required"}
	case len(scheme) > maxSchemeLength:
		return &ValidationError{Field: "scheme", Reason: fmt.Sprintf("must be at most %d characters", maxSchemeLength)}
	case !schemePattern.MatchString(scheme):
		return &ValidationError{Field: "scheme", Reason: "may only contain letters, digits, '.', '_' and '-'"}
	}
	return nil
}

func validateBase(b *ProviderBase) error {
	if err := ValidateScheme(b.Scheme); err != nil {
		return err
	}
	if strings.TrimSpace(b.DisplayName) == "" {
		return &ValidationError{Field: "display_name", Reason: "is required"}
	}
	return nil
}

func requireAbsoluteURL(field, raw string) error {
	if raw == "" {
		return &ValidationError{Field: field, Reason: "is required"}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &ValidationError{Field: field, Reason: "must be an absolute http(s) URL"}
	}
	return nil
}

func validatePath(field, path string) error {
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") {
		return &ValidationError{Field: field, Reason: "must be an absolute path starting with '/'"}
	}
	return nil
}
