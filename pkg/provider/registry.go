package provider

import (
	"fmt"
	"sync"
)

// Registry holds the live set of registered providers plus operator model
// mappings. Reads (GetProvider, GetAllProviders, GetProvidersForModel) are
// far more frequent than writes (Register/Unregister), so a RWMutex is
// used the way the teacher's datastore guards its pod cache.
type Registry struct {
	mu sync.RWMutex

	// providers is keyed by id, then version, so multiple revisions of the
	// same provider id can coexist (e.g. a canary deploy).
	providers map[string]map[string]Provider
	// registrationOrder records the order providers were first registered
	// in, used as the final selection tie-break tier.
	registrationOrder []string
	modelMappings     map[string]string // modelID -> preferred provider id
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers:     make(map[string]map[string]Provider),
		modelMappings: make(map[string]string),
	}
}

// Register adds or replaces a provider revision. The first registration of
// a given id fixes its position in registration order even if later
// versions of the same id are added.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.providers[p.ID()]
	if !ok {
		versions = make(map[string]Provider)
		r.providers[p.ID()] = versions
		r.registrationOrder = append(r.registrationOrder, p.ID())
	}
	versions[p.Version()] = p
}

// Unregister removes a provider. If version is empty, every version of id
// is removed.
func (r *Registry) Unregister(id, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if version == "" {
		delete(r.providers, id)
		return
	}
	if versions, ok := r.providers[id]; ok {
		delete(versions, version)
		if len(versions) == 0 {
			delete(r.providers, id)
		}
	}
}

// GetProvider returns a specific provider. If version is empty and exactly
// one version is registered, that one is returned; with multiple versions
// and no version specified, ok is false (the caller must disambiguate).
func (r *Registry) GetProvider(id, version string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.providers[id]
	if !ok {
		return nil, false
	}
	if version != "" {
		p, ok := versions[version]
		return p, ok
	}
	if len(versions) == 1 {
		for _, p := range versions {
			return p, true
		}
	}
	return nil, false
}

// GetAllProviders returns every registered provider across every id and
// version, in registration order (stable across calls for a fixed
// registry population) for reproducible listings.
func (r *Registry) GetAllProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Provider
	for _, id := range r.registrationOrder {
		versions, ok := r.providers[id]
		if !ok {
			continue
		}
		for _, p := range versions {
			out = append(out, p)
		}
	}
	return out
}

// GetProvidersForModel returns every registered provider whose Supports
// reports true for (modelID, tenantID), in registration order.
func (r *Registry) GetProvidersForModel(modelID, tenantID string) []Provider {
	all := r.GetAllProviders()
	out := make([]Provider, 0, len(all))
	for _, p := range all {
		if p.Supports(modelID, tenantID) {
			out = append(out, p)
		}
	}
	return out
}

// SetModelMapping records the operator-declared default provider for a
// model (second selection tier in spec §4.3).
func (r *Registry) SetModelMapping(modelID, preferredProvider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modelMappings[modelID] = preferredProvider
}

func (r *Registry) modelMapping(modelID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.modelMappings[modelID]
	return id, ok
}

func (r *Registry) registrationIndex(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, rid := range r.registrationOrder {
		if rid == id {
			return i
		}
	}
	return len(r.registrationOrder)
}

// ErrNoProviderAvailable is returned by Router.Route when no provider is
// eligible to serve a model (spec §4.3).
type ErrNoProviderAvailable struct {
	ModelID string
}

func (e *ErrNoProviderAvailable) Error() string {
	return fmt.Sprintf("provider: no provider available for model %q", e.ModelID)
}
