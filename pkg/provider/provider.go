// Package provider implements the provider registry and router (spec
// §4.3): discovery, registration, and a fixed selection policy over the
// set of providers that can serve a given model.
//
// Grounded on the teacher's backend/backend.go registry-of-implementations
// pattern (a name-keyed map behind accessor functions) and its
// scheduler/scheduler_impl.go filter-then-score pipeline, adapted here
// from "best Kubernetes pod" to "first healthy, supporting provider in a
// fixed tie-break order" per the spec's deterministic selection contract.
package provider

import "github.com/matrixinfer-ai/infercore/pkg/types"

// Provider is the capability surface the router and session manager need
// from a concrete backend (pkg/runtime.Provider implements this for every
// backend family, wrapping an openai, gguf, or libtorch runtime.Backend).
// It intentionally excludes inference itself: invocation lives in
// pkg/runtime's Session, keeping the registry ignorant of native calls.
type Provider interface {
	// ID is the provider's stable identity, e.g. "openai", "gguf-local-a100".
	ID() string
	// Version distinguishes concurrently registered revisions of the same ID.
	Version() string
	// Supports reports whether this provider can serve modelID for tenantID.
	Supports(modelID, tenantID string) bool
	// Descriptor returns the provider's published capability set and health.
	Descriptor() types.ProviderDescriptor
	// BreakerOpen reports whether this provider's reliability envelope
	// currently has its circuit breaker in the Open state. The registry
	// only reads this; pkg/reliability owns the breaker itself, avoiding a
	// package-level dependency from provider -> reliability.
	BreakerOpen() bool
	// DeviceHint is the device class this provider runs on ("gpu", "cpu",
	// "cloud"), used for RoutingContext.DeviceHint matching.
	DeviceHint() string
	// CostPerToken is used only when RoutingContext.CostSensitive is set.
	CostPerToken() float64
}

// RoutingContext carries the caller's routing preferences for one request,
// per spec §4.3.
type RoutingContext struct {
	PreferredProvider string
	DeviceHint        string
	CostSensitive     bool
	Priority          int
	TimeoutMs         int64
}

// ModelMapping records the operator-declared default provider for a model,
// consulted as the second selection tier.
type ModelMapping struct {
	ModelID           string
	PreferredProvider string
}
