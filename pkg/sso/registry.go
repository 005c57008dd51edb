package sso

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/idhub/pkg/observability"
)

// Registry is the administrative surface over both provider kinds. Every
// mutation invalidates the derived per-scheme state through the configured
// Invalidator before returning.
type Registry struct {
	oidc *KindRegistry[*OIDCProvider]
	saml *KindRegistry[*SAMLProvider]

	invalidator Invalidator
	logger      *observability.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// KindRegistry manages the providers of one kind.
type KindRegistry[P Provider] struct {
	kind   ProviderType
	store  Store[P]
	parent *Registry
}

// NewRegistry creates a registry over the two stores. invalidator may be nil.
func NewRegistry(oidc Store[*OIDCProvider], saml Store[*SAMLProvider], invalidator Invalidator, logger *observability.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if invalidator == nil {
		invalidator = NewMultiInvalidator()
	}
	r := &Registry{
		invalidator: invalidator,
		logger:      logger,
		metrics:     metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
	r.oidc = &KindRegistry[*OIDCProvider]{kind: ProviderTypeOIDC, store: oidc, parent: r}
	r.saml = &KindRegistry[*SAMLProvider]{kind: ProviderTypeSAML, store: saml, parent: r}
	return r
}

// OIDC returns the OIDC half of the registry
func (r *Registry) OIDC() *KindRegistry[*OIDCProvider] { return r.oidc }

// SAML returns the SAML half of the registry
func (r *Registry) SAML() *KindRegistry[*SAMLProvider] { return r.saml }

// GetAllEnabledProviders returns the enabled providers of both kinds ordered
// by display name.
func (r *Registry) GetAllEnabledProviders(ctx context.Context) ([]Provider, error) {
	var oidcProviders []*OIDCProvider
	var samlProviders []*SAMLProvider

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		oidcProviders, err = r.oidc.listEnabled(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		samlProviders, err = r.saml.listEnabled(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := make([]Provider, 0, len(oidcProviders)+len(samlProviders))
	for _, p := range oidcProviders {
		all = append(all, p)
	}
	for _, p := range samlProviders {
		all = append(all, p)
	}
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i].Base(), all[j].Base()
		if la, lb := strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName); la != lb {
			return la < lb
		}
		return a.Scheme < b.Scheme
	})
	return all, nil
}

// schemeOwner reports which kind, if any, owns scheme. excludeID skips a
// provider of kind self so an update may keep its own scheme.
func (r *Registry) schemeOwner(ctx context.Context, scheme string, self ProviderType, excludeID int64) (ProviderType, bool, error) {
	check := func(kind ProviderType, get func(context.Context, string) (Provider, error)) (bool, error) {
		p, err := get(ctx, scheme)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return !(kind == self && p.Base().ID == excludeID), nil
	}

	taken, err := check(ProviderTypeOIDC, r.oidc.lookup)
	if err != nil || taken {
		return ProviderTypeOIDC, taken, err
	}
	taken, err = check(ProviderTypeSAML, r.saml.lookup)
	return ProviderTypeSAML, taken, err
}

func (r *Registry) invalidate(schemes ...string) {
	seen := make(map[string]bool, len(schemes))
	for _, s := range schemes {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		r.invalidator.Invalidate(s)
		r.metrics.OptionsInvalidation("local")
	}
}

func (k *KindRegistry[P]) timer(op string) func() {
	return k.parent.metrics.StoreTimer(string(k.kind), op)
}

func (k *KindRegistry[P]) lookup(ctx context.Context, scheme string) (Provider, error) {
	defer k.timer("get_by_scheme")()
	return k.store.GetByScheme(ctx, scheme)
}

func (k *KindRegistry[P]) listEnabled(ctx context.Context) ([]P, error) {
	defer k.timer("list_enabled")()
	providers, err := k.store.ListByEnabled(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list enabled %s providers: %w", k.kind, err)
	}
	return providers, nil
}

// GetAll returns every provider of this kind ordered by id
func (k *KindRegistry[P]) GetAll(ctx context.Context) ([]P, error) {
	defer k.timer("list")()
	providers, err := k.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s providers: %w", k.kind, err)
	}
	return providers, nil
}

// GetByID returns ErrNotFound when no provider has the id
func (k *KindRegistry[P]) GetByID(ctx context.Context, id int64) (P, error) {
	defer k.timer("get")()
	return k.store.Get(ctx, id)
}

// GetByScheme returns ErrNotFound when no provider has the scheme
func (k *KindRegistry[P]) GetByScheme(ctx context.Context, scheme string) (P, error) {
	defer k.timer("get_by_scheme")()
	return k.store.GetByScheme(ctx, scheme)
}

// Create validates and stores a new provider. The id, kind and timestamps
// in p are ignored.
func (k *KindRegistry[P]) Create(ctx context.Context, p P) (P, error) {
	var zero P
	p = cloneProvider(p)
	p.applyDefaults()
	b := p.Base()
	b.ID = 0
	b.Created = k.parent.now()
	b.Updated = nil

	if err := p.Validate(); err != nil {
		return zero, err
	}
	if err := k.checkScheme(ctx, b.Scheme, 0); err != nil {
		return zero, err
	}

	stop := k.timer("insert")
	created, err := k.store.Insert(ctx, p)
	stop()
	if errors.Is(err, ErrConflict) {
		return zero, &ValidationError{Field: "scheme", Reason: "is already in use"}
	}
	if err != nil {
		return zero, fmt.Errorf("create %s provider: %w", k.kind, err)
	}

	k.parent.invalidate(b.Scheme)
	k.parent.metrics.ProviderMutation(string(k.kind), "create")
	k.parent.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"provider_id": created.Base().ID,
		"scheme":      b.Scheme,
		"kind":        string(k.kind),
	}).Info("Provider created")
	return created, nil
}

// Update replaces the provider with p's id. Empty secret fields keep the
// stored values; creation time and kind are preserved.
func (k *KindRegistry[P]) Update(ctx context.Context, p P) (P, error) {
	var zero P
	p = cloneProvider(p)
	b := p.Base()

	existing, err := k.GetByID(ctx, b.ID)
	if err != nil {
		return zero, err
	}
	prev := existing.Base()

	p.applyDefaults()
	p.retainSecrets(existing)
	b.Created = prev.Created
	now := k.parent.now()
	b.Updated = &now

	if err := p.Validate(); err != nil {
		return zero, err
	}
	if b.Scheme != prev.Scheme {
		if err := k.checkScheme(ctx, b.Scheme, b.ID); err != nil {
			return zero, err
		}
	}

	stop := k.timer("replace")
	err = k.store.Replace(ctx, p)
	stop()
	switch {
	case errors.Is(err, ErrNotFound):
		return zero, ErrNotFound
	case errors.Is(err, ErrConflict):
		return zero, &ValidationError{Field: "scheme", Reason: "is already in use"}
	case err != nil:
		return zero, fmt.Errorf("update %s provider: %w", k.kind, err)
	}

	k.parent.invalidate(prev.Scheme, b.Scheme)
	k.parent.metrics.ProviderMutation(string(k.kind), "update")
	k.parent.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"provider_id": b.ID,
		"scheme":      b.Scheme,
		"kind":        string(k.kind),
	}).Info("Provider updated")
	return p, nil
}

// Delete removes a provider. A missing id yields ErrNotFound.
func (k *KindRegistry[P]) Delete(ctx context.Context, id int64) error {
	existing, err := k.GetByID(ctx, id)
	if err != nil {
		return err
	}

	stop := k.timer("delete")
	n, err := k.store.Delete(ctx, id)
	stop()
	if err != nil {
		return fmt.Errorf("delete %s provider: %w", k.kind, err)
	}
	if n == 0 {
		return ErrNotFound
	}

	scheme := existing.Base().Scheme
	k.parent.invalidate(scheme)
	k.parent.metrics.ProviderMutation(string(k.kind), "delete")
	k.parent.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"provider_id": id,
		"scheme":      scheme,
		"kind":        string(k.kind),
	}).Info("Provider deleted")
	return nil
}

// SetEnabled flips a provider on or off without touching its other fields.
func (k *KindRegistry[P]) SetEnabled(ctx context.Context, id int64, enabled bool) (P, error) {
	var zero P
	p, err := k.GetByID(ctx, id)
	if err != nil {
		return zero, err
	}
	b := p.Base()
	b.Enabled = enabled
	now := k.parent.now()
	b.Updated = &now

	stop := k.timer("replace")
	err = k.store.Replace(ctx, p)
	stop()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("toggle %s provider: %w", k.kind, err)
	}

	k.parent.invalidate(b.Scheme)
	k.parent.metrics.ProviderMutation(string(k.kind), "toggle")
	k.parent.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"provider_id": id,
		"scheme":      b.Scheme,
		"enabled":     enabled,
	}).Info("Provider toggled")
	return p, nil
}

func (k *KindRegistry[P]) checkScheme(ctx context.Context, scheme string, selfID int64) error {
	owner, taken, err := k.parent.schemeOwner(ctx, scheme, k.kind, selfID)
	if err != nil {
		return fmt.Errorf("check scheme %s: %w", scheme, err)
	}
	if !taken {
		return nil
	}
	if owner == k.kind {
		return &ValidationError{Field: "scheme", Reason: "is already in use"}
	}
	return &ValidationError{Field: "scheme", Reason: fmt.Sprintf("is already used by a %s provider", owner)}
}
