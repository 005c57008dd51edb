package sso

import (
	"sort"
	"sync"
)

// SchemeProvider tracks the schemes registered with the authentication
// pipeline. Schemes are added on their first successful challenge and
// removed when their configuration changes.
type SchemeProvider struct {
	mu      sync.RWMutex
	schemes map[string]ProviderType
}

// NewSchemeProvider creates an empty scheme set
func NewSchemeProvider() *SchemeProvider {
	return &SchemeProvider{schemes: make(map[string]ProviderType)}
}

// Lookup returns the kind registered for name
func (p *SchemeProvider) Lookup(name string) (ProviderType, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	kind, ok := p.schemes[name]
	return kind, ok
}

// Add registers name. Adding an existing scheme replaces its kind.
func (p *SchemeProvider) Add(name string, kind ProviderType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.schemes[name] = kind
}

// Remove unregisters name
func (p *SchemeProvider) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.schemes, name)
}

// Invalidate removes name so its kind is looked up again on next use.
func (p *SchemeProvider) Invalidate(name string) { p.Remove(name) }

// Names returns the registered scheme names sorted
func (p *SchemeProvider) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.schemes))
	for name := range p.schemes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
