package sso

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsCache_CachesConfiguredValues(t *testing.T) {
	var calls atomic.Int32
	cache := NewOptionsCache[string](ProviderTypeOIDC, 10, 0, func(_ context.Context, scheme string) (string, bool) {
		calls.Add(1)
		return "value-" + scheme, true
	}, nil)

	ctx := context.Background()
	assert.Equal(t, "value-a", cache.Get(ctx, "a"))
	assert.Equal(t, "value-a", cache.Get(ctx, "a"))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, cache.Len())
}

func TestOptionsCache_DoesNotCachePlaceholders(t *testing.T) {
	var calls atomic.Int32
	cache := NewOptionsCache[string](ProviderTypeSAML, 10, 0, func(context.Context, string) (string, bool) {
		calls.Add(1)
		return "placeholder", false
	}, nil)

	ctx := context.Background()
	cache.Get(ctx, "x")
	cache.Get(ctx, "x")
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, cache.Len())
}

func TestOptionsCache_InvalidateAndPurge(t *testing.T) {
	var version atomic.Int32
	cache := NewOptionsCache[int32](ProviderTypeOIDC, 10, 0, func(context.Context, string) (int32, bool) {
		return version.Load(), true
	}, nil)

	ctx := context.Background()
	assert.Equal(t, int32(0), cache.Get(ctx, "a"))
	cache.Get(ctx, "b")

	version.Store(1)
	assert.Equal(t, int32(0), cache.Get(ctx, "a"))

	cache.Invalidate("a")
	assert.Equal(t, int32(1), cache.Get(ctx, "a"))
	assert.Equal(t, int32(0), cache.Get(ctx, "b"))

	cache.Purge()
	assert.Zero(t, cache.Len())
	assert.Equal(t, int32(1), cache.Get(ctx, "b"))
}

func TestOptionsCache_SingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	cache := NewOptionsCache[string](ProviderTypeOIDC, 10, 0, func(context.Context, string) (string, bool) {
		calls.Add(1)
		<-release
		return "v", true
	}, nil)

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = cache.Get(context.Background(), "hot")
		}(i)
	}
	// Give the goroutines time to join the in-flight resolution.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "v", r)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestOptionsCache_InvalidateDuringResolution(t *testing.T) {
	var version atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	cache := NewOptionsCache[int32](ProviderTypeOIDC, 10, 0, func(context.Context, string) (int32, bool) {
		v := version.Load()
		if v == 0 {
			once.Do(func() { close(started) })
			<-release
		}
		return v, true
	}, nil)

	done := make(chan int32)
	go func() { done <- cache.Get(context.Background(), "a") }()
	<-started

	version.Store(1)
	cache.Invalidate("a")
	close(release)

	assert.Equal(t, int32(0), <-done)
	// The stale value was never stored.
	assert.Equal(t, int32(1), cache.Get(context.Background(), "a"))
}

func TestOptionsCache_CancelledCallerDoesNotPoisonResolution(t *testing.T) {
	cache := NewOptionsCache[string](ProviderTypeOIDC, 10, 0, func(ctx context.Context, _ string) (string, bool) {
		if ctx.Err() != nil {
			return "cancelled", true
		}
		return "live", true
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, "live", cache.Get(ctx, "a"))
}

func TestOptionsCache_TTL(t *testing.T) {
	var calls atomic.Int32
	cache := NewOptionsCache[int32](ProviderTypeOIDC, 10, 20*time.Millisecond, func(context.Context, string) (int32, bool) {
		return calls.Add(1), true
	}, nil)

	ctx := context.Background()
	require.Equal(t, int32(1), cache.Get(ctx, "a"))
	assert.Eventually(t, func() bool { return cache.Get(ctx, "a") > 1 }, time.Second, 10*time.Millisecond)
}

func TestAuthenticator_CachesOnlyConfiguredHandlers(t *testing.T) {
	registry, _ := newMemoryRegistry(t)
	ctx := context.Background()
	_, err := registry.OIDC().Create(ctx, sampleOIDC("google"))
	require.NoError(t, err)

	resolver := NewSchemeResolver(registry, "", nil, nil)
	auth := NewAuthenticator(resolver, AuthenticatorConfig{BaseURL: "https://idhub.example.com", CacheSize: 8}, nil)

	h1 := auth.OIDC(ctx, "google")
	h2 := auth.OIDC(ctx, "google")
	assert.Same(t, h1, h2)
	assert.True(t, h1.Options().Configured)

	p1 := auth.OIDC(ctx, "missing")
	p2 := auth.OIDC(ctx, "missing")
	assert.NotSame(t, p1, p2)
	assert.False(t, p1.Options().Configured)

	auth.Invalidate("google")
	assert.NotSame(t, h1, auth.OIDC(ctx, "google"))

	s1 := auth.SAML(ctx, "missing")
	assert.False(t, s1.Options().Configured)
}

func TestAuthenticator_WiredThroughRegistryInvalidation(t *testing.T) {
	inv := NewMultiInvalidator()
	registry := NewRegistry(NewMemoryStore[*OIDCProvider](), NewMemoryStore[*SAMLProvider](), inv, nil, nil)
	resolver := NewSchemeResolver(registry, "", nil, nil)
	auth := NewAuthenticator(resolver, AuthenticatorConfig{BaseURL: "https://idhub.example.com"}, nil)
	schemes := NewSchemeProvider()
	inv.Add(NewMultiInvalidator(auth, schemes))

	ctx := context.Background()
	created, err := registry.OIDC().Create(ctx, sampleOIDC("live"))
	require.NoError(t, err)
	schemes.Add("live", ProviderTypeOIDC)
	assert.Equal(t, "client-live", auth.OIDC(ctx, "live").Options().ClientID)

	created.ClientID = "rotated"
	_, err = registry.OIDC().Update(ctx, created)
	require.NoError(t, err)

	assert.Equal(t, "rotated", auth.OIDC(ctx, "live").Options().ClientID)
	_, ok := schemes.Lookup("live")
	assert.False(t, ok)

	_, err = registry.OIDC().SetEnabled(ctx, created.ID, false)
	require.NoError(t, err)
	assert.False(t, auth.OIDC(ctx, "live").Options().Configured)
}

func TestSchemeProvider(t *testing.T) {
	p := NewSchemeProvider()
	p.Add("b", ProviderTypeSAML)
	p.Add("a", ProviderTypeOIDC)
	assert.Equal(t, []string{"a", "b"}, p.Names())

	kind, ok := p.Lookup("b")
	assert.True(t, ok)
	assert.Equal(t, ProviderTypeSAML, kind)

	p.Invalidate("b")
	_, ok = p.Lookup("b")
	assert.False(t, ok)
}

func TestMultiInvalidator(t *testing.T) {
	first, second := &recordingInvalidator{}, &recordingInvalidator{}
	m := NewMultiInvalidator(first, nil)
	m.Add(second, InvalidatorFunc(func(string) {}))
	m.Invalidate("x")
	assert.Equal(t, []string{"x"}, first.calls())
	assert.Equal(t, []string{"x"}, second.calls())
}
