package oauthprovider

import (
	"fmt"
	"sort"
	"strings"
)

// Registry resolves providers by name. It is read-only once constructed,
// so concurrent lookups need no locking.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry indexes the supplied providers by their lower-cased name.
func NewRegistry(providers ...Provider) (*Registry, error) {
	indexed := make(map[string]Provider, len(providers))
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(provider.Name()))
		if name == "" {
			return nil, fmt.Errorf("oauth_provider.registry: provider without a name")
		}
		if _, exists := indexed[name]; exists {
			return nil, fmt.Errorf("oauth_provider.registry: duplicate provider %q", name)
		}
		indexed[name] = provider
	}
	return &Registry{providers: indexed}, nil
}

// Lookup returns the provider registered under name.
func (registry *Registry) Lookup(name string) (Provider, error) {
	provider, ok := registry.providers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("oauth_provider.lookup.%s: %w", name, ErrUnsupportedProvider)
	}
	return provider, nil
}

// Names lists the registered provider names in sorted order.
func (registry *Registry) Names() []string {
	names := make([]string, 0, len(registry.providers))
	for name := range registry.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
