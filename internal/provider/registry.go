package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry is a thread-safe registry of providers. It maps provider names
// to Provider instances and indexes which providers serve which datasets.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider  // name → provider
	index     map[Dataset][]string // dataset → provider names (priority order)
}

// NewRegistry creates a new empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		index:     make(map[Dataset][]string),
	}
}

// Register adds a provider to the registry. Credentials should be set via
// Init() before calling Register. Duplicate registrations overwrite the
// previous entry.
func (r *Registry) Register(p Provider) error {
	info := p.Info()
	if info.Name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers[info.Name] = p

	for _, ds := range p.SupportedDatasets() {
		existing := r.index[ds]
		found := false
		for _, name := range existing {
			if name == info.Name {
				found = true
				break
			}
		}
		if !found {
			r.index[ds] = append(existing, info.Name)
		}
	}
	return nil
}

// Get returns a provider by name, or an error if not found.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, &ErrProviderNotFound{Name: name}
	}
	return p, nil
}

// List returns info about all registered providers, sorted by name.
func (r *Registry) List() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ProviderInfo, 0, len(r.providers))
	for _, p := range r.providers {
		infos = append(infos, p.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// ProvidersFor returns the names of providers that serve the dataset, in
// registration order (first = default).
func (r *Registry) ProvidersFor(ds Dataset) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.index[ds]
	result := make([]string, len(names))
	copy(result, names)
	return result
}

// Fetcher returns the fetcher serving ds, using providerName when set and
// the first registered provider otherwise.
func (r *Registry) Fetcher(ds Dataset, providerName string) (Fetcher, string, error) {
	r.mu.RLock()
	if providerName == "" && len(r.index[ds]) > 0 {
		providerName = r.index[ds][0]
	}
	p, ok := r.providers[providerName]
	r.mu.RUnlock()

	if !ok || providerName == "" {
		return nil, "", &ErrProviderNotFound{Name: providerName}
	}
	f := p.Fetcher(ds)
	if f == nil {
		return nil, "", &ErrDatasetNotSupported{Provider: providerName, Dataset: ds}
	}
	return f, providerName, nil
}

// Fetch pulls the dataset using the provider named in params, or the
// default one.
func (r *Registry) Fetch(ctx context.Context, ds Dataset, params QueryParams) (*FetchResult, error) {
	fetcher, providerName, err := r.Fetcher(ds, params[ParamProvider])
	if err != nil {
		return nil, err
	}

	if err := ValidateParams(params, fetcher.RequiredParams()); err != nil {
		return nil, err
	}

	result, err := fetcher.Fetch(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("provider %q pull %s: %w", providerName, ds, err)
	}

	result.Provider = providerName
	result.Dataset = ds
	if result.FetchedAt.IsZero() {
		result.FetchedAt = time.Now()
	}
	return result, nil
}

// Coverage returns a map of datasets to the providers that serve them.
func (r *Registry) Coverage() map[Dataset][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	coverage := make(map[Dataset][]string, len(r.index))
	for ds, names := range r.index {
		cp := make([]string, len(names))
		copy(cp, names)
		coverage[ds] = cp
	}
	return coverage
}

// global is the default global registry.
var global = NewRegistry()

// Global returns the default global provider registry.
func Global() *Registry {
	return global
}

// RegisterProvider adds a provider to the global registry.
func RegisterProvider(p Provider) error {
	return global.Register(p)
}
