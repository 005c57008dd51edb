package sso

import (
	"sync"
)

// Invalidator drops anything derived from a scheme's configuration.
type Invalidator interface {
	Invalidate(scheme string)
}

// InvalidatorFunc adapts a function to Invalidator
type InvalidatorFunc func(scheme string)

func (f InvalidatorFunc) Invalidate(scheme string) { f(scheme) }

// MultiInvalidator fans an invalidation out to every registered target in
// registration order. Targets may be added after construction, which lets
// the registry be built before the caches that depend on it.
type MultiInvalidator struct {
	mu      sync.RWMutex
	targets []Invalidator
}

// NewMultiInvalidator creates a fan-out over targets
func NewMultiInvalidator(targets ...Invalidator) *MultiInvalidator {
	m := &MultiInvalidator{}
	m.Add(targets...)
	return m
}

// Add registers more targets. Nil targets are ignored.
func (m *MultiInvalidator) Add(targets ...Invalidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range targets {
		if t != nil {
			m.targets = append(m.targets, t)
		}
	}
}

func (m *MultiInvalidator) Invalidate(scheme string) {
	m.mu.RLock()
	targets := append([]Invalidator(nil), m.targets...)
	m.mu.RUnlock()

	for _, t := range targets {
		t.Invalidate(scheme)
	}
}
