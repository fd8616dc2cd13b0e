package provider

import (
	"fmt"
	"sort"

	"ListingWatcher/internal/domain"
	"ListingWatcher/internal/ports"
)

// Registry keeps a mapping from provider names to their adapters.
type Registry struct {
	adapters map[domain.Provider]ports.ProviderAdapter
	order    []domain.Provider
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[domain.Provider]ports.ProviderAdapter{}}
}

// Register adds or replaces an adapter implementation.
func (r *Registry) Register(adapter ports.ProviderAdapter) {
	if r.adapters == nil {
		r.adapters = map[domain.Provider]ports.ProviderAdapter{}
	}
	name := adapter.Name()
	if _, ok := r.adapters[name]; !ok {
		r.order = append(r.order, name)
	}
	r.adapters[name] = adapter
}

// Resolve returns an adapter by name or an error if it is absent.
func (r *Registry) Resolve(name domain.Provider) (ports.ProviderAdapter, error) {
	if adapter, ok := r.adapters[name]; ok {
		return adapter, nil
	}
	return nil, fmt.Errorf("provider %s is not registered: %w", name, domain.ErrUnknownProvider)
}

// ForURL returns the first registered adapter that accepts the search URL.
func (r *Registry) ForURL(rawURL string) (ports.ProviderAdapter, error) {
	for _, name := range r.order {
		if adapter := r.adapters[name]; adapter.IsValidSearchURL(rawURL) {
			return adapter, nil
		}
	}
	return nil, fmt.Errorf("no provider accepts %q: %w", rawURL, domain.ErrInvalidSearchURL)
}

// Names lists registered providers in alphabetical order.
func (r *Registry) Names() []domain.Provider {
	names := make([]domain.Provider, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
