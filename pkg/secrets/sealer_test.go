package secrets

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = bytes.Repeat([]byte{7}, 32)

func TestAEADSealer_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewAEADSealer(testKey)
	require.NoError(t, err)

	sealed, err := s.Seal(ctx, "oidc_providers.client_secret", "shh")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, sealedPrefix))
	assert.NotContains(t, sealed, "shh")

	plain, err := s.Unseal(ctx, "oidc_providers.client_secret", sealed)
	require.NoError(t, err)
	assert.Equal(t, "shh", plain)
}

func TestAEADSealer_NonDeterministic(t *testing.T) {
	s, err := NewAEADSealer(testKey)
	require.NoError(t, err)

	a, err := s.Seal(context.Background(), "f", "same")
	require.NoError(t, err)
	b, err := s.Seal(context.Background(), "f", "same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAEADSealer_FieldBinding(t *testing.T) {
	ctx := context.Background()
	s, err := NewAEADSealer(testKey)
	require.NoError(t, err)

	sealed, err := s.Seal(ctx, "saml_providers.sp_certificate_password", "pfx-pass")
	require.NoError(t, err)

	_, err = s.Unseal(ctx, "oidc_providers.client_secret", sealed)
	assert.Error(t, err, "a value moved to another column must not open")
}

func TestAEADSealer_WrongKey(t *testing.T) {
	ctx := context.Background()
	s1, err := NewAEADSealer(testKey)
	require.NoError(t, err)
	s2, err := NewAEADSealer(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)

	sealed, err := s1.Seal(ctx, "f", "secret")
	require.NoError(t, err)
	_, err = s2.Unseal(ctx, "f", sealed)
	assert.Error(t, err)
}

func TestAEADSealer_EmptyAndLegacy(t *testing.T) {
	ctx := context.Background()
	s, err := NewAEADSealer(testKey)
	require.NoError(t, err)

	sealed, err := s.Seal(ctx, "f", "")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	plain, err := s.Unseal(ctx, "f", "legacy-plaintext")
	require.NoError(t, err)
	assert.Equal(t, "legacy-plaintext", plain)

	_, err = s.Unseal(ctx, "f", sealedPrefix+"!!!")
	assert.Error(t, err)
}

func TestNewAEADSealer_KeySize(t *testing.T) {
	_, err := NewAEADSealer([]byte("short"))
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	assert.IsType(t, NopSealer{}, s)

	s, err = New(testKey)
	require.NoError(t, err)
	assert.IsType(t, &AEADSealer{}, s)
}

func TestNopSealer(t *testing.T) {
	ctx := context.Background()
	var s NopSealer

	v, err := s.Seal(ctx, "f", "plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", v)

	v, err = s.Unseal(ctx, "f", "plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", v)

	_, err = s.Unseal(ctx, "f", sealedPrefix+"abc")
	assert.Error(t, err)
}
