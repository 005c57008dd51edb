package sso

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/idhub/pkg/storage"
)

func TestSeed_Idempotent(t *testing.T) {
	db := newSQLiteDB(t)
	registry := NewRegistry(
		NewOIDCSQLStore(db, storage.DialectSQLite, nil),
		NewSAMLSQLStore(db, storage.DialectSQLite, nil),
		nil, nil, nil)
	ctx := context.Background()

	n, err := Seed(ctx, registry)
	require.NoError(t, err)
	assert.Equal(t, len(SeedOIDCProviders())+len(SeedSAMLProviders()), n)

	n, err = Seed(ctx, registry)
	require.NoError(t, err)
	assert.Zero(t, n)

	enabled, err := registry.GetAllEnabledProviders(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "demo-duende", enabled[0].Base().Scheme)

	google, err := registry.OIDC().GetByScheme(ctx, "google")
	require.NoError(t, err)
	assert.False(t, google.Enabled)
	assert.Equal(t, "/signin-google", google.CallbackPath)

	saml, err := registry.SAML().GetByScheme(ctx, "saml-example")
	require.NoError(t, err)
	assert.Equal(t, "https://idp.example.com/metadata", saml.IdpMetadataURL)
}

func TestSeed_SkipsSchemesTakenByOtherKind(t *testing.T) {
	registry, _ := newMemoryRegistry(t)
	ctx := context.Background()
	_, err := registry.SAML().Create(ctx, sampleSAML("google"))
	require.NoError(t, err)

	n, err := Seed(ctx, registry)
	require.NoError(t, err)
	assert.Equal(t, len(SeedOIDCProviders())+len(SeedSAMLProviders())-1, n)

	_, err = registry.OIDC().GetByScheme(ctx, "google")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSeedProvidersAreValid(t *testing.T) {
	for _, p := range SeedOIDCProviders() {
		p.applyDefaults()
		assert.NoError(t, p.Validate(), p.Scheme)
	}
	for _, p := range SeedSAMLProviders() {
		p.applyDefaults()
		assert.NoError(t, p.Validate(), p.Scheme)
	}
}
