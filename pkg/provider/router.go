package provider

import (
	"sort"

	"github.com/matrixinfer-ai/infercore/pkg/types"
)

// Router selects a provider for a (model, RoutingContext) pair per the
// fixed three-tier policy in spec §4.3.
type Router struct {
	registry *Registry
}

// NewRouter builds a Router over registry.
func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

func eligible(p Provider) bool {
	if p.BreakerOpen() {
		return false
	}
	return p.Descriptor().Health != types.HealthUnhealthy
}

// Route implements the selection policy: explicit preferred, then the
// model's declared default provider, then a sorted pool of every
// supporting provider. Each tier only considers eligible (not Unhealthy,
// breaker not Open) providers; a tier with no eligible candidate falls
// through to the next.
func (r *Router) Route(modelID, tenantID string, ctx RoutingContext) (Provider, error) {
	if ctx.PreferredProvider != "" {
		if p, ok := r.registry.GetProvider(ctx.PreferredProvider, ""); ok && eligible(p) && p.Supports(modelID, tenantID) {
			return p, nil
		}
	}

	if mapped, ok := r.registry.modelMapping(modelID); ok && mapped != "" {
		if p, ok := r.registry.GetProvider(mapped, ""); ok && eligible(p) && p.Supports(modelID, tenantID) {
			return p, nil
		}
	}

	candidates := make([]Provider, 0)
	for _, p := range r.registry.GetProvidersForModel(modelID, tenantID) {
		if eligible(p) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, &ErrNoProviderAvailable{ModelID: modelID}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]

		// Tier already filtered to breaker-closed only, so this compares
		// device hint match next.
		aDevice := ctx.DeviceHint == "" || a.DeviceHint() == ctx.DeviceHint
		bDevice := ctx.DeviceHint == "" || b.DeviceHint() == ctx.DeviceHint
		if aDevice != bDevice {
			return aDevice && !bDevice
		}

		if ctx.CostSensitive {
			if a.CostPerToken() != b.CostPerToken() {
				return a.CostPerToken() < b.CostPerToken()
			}
		}

		ai, bi := r.registry.registrationIndex(a.ID()), r.registry.registrationIndex(b.ID())
		if ai != bi {
			return ai < bi
		}

		return a.ID() < b.ID() // final lexicographic tie-break
	})

	return candidates[0], nil
}
