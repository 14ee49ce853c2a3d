package provider

import (
	"testing"

	"github.com/matrixinfer-ai/infercore/pkg/types"
)

type fakeProvider struct {
	id          string
	health      types.HealthState
	breakerOpen bool
	device      string
	cost        float64
	models      map[string]bool
}

func (f *fakeProvider) ID() string      { return f.id }
func (f *fakeProvider) Version() string { return "v1" }
func (f *fakeProvider) Supports(modelID, tenantID string) bool {
	return f.models[modelID]
}
func (f *fakeProvider) Descriptor() types.ProviderDescriptor {
	return types.ProviderDescriptor{ID: f.id, Health: f.health}
}
func (f *fakeProvider) BreakerOpen() bool   { return f.breakerOpen }
func (f *fakeProvider) DeviceHint() string  { return f.device }
func (f *fakeProvider) CostPerToken() float64 { return f.cost }

func newFakeProvider(id string, models ...string) *fakeProvider {
	m := make(map[string]bool, len(models))
	for _, mo := range models {
		m[mo] = true
	}
	return &fakeProvider{id: id, health: types.HealthHealthy, models: m}
}

func TestRouteExplicitPreferred(t *testing.T) {
	reg := NewRegistry()
	a := newFakeProvider("a", "llama-3-8b")
	b := newFakeProvider("b", "llama-3-8b")
	reg.Register(a)
	reg.Register(b)

	router := NewRouter(reg)
	p, err := router.Route("llama-3-8b", "tenant-1", RoutingContext{PreferredProvider: "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID() != "b" {
		t.Fatalf("got %q, want \"b\"", p.ID())
	}
}

func TestRouteFallsBackWhenPreferredUnhealthy(t *testing.T) {
	reg := NewRegistry()
	a := newFakeProvider("a", "llama-3-8b")
	b := newFakeProvider("b", "llama-3-8b")
	b.health = types.HealthUnhealthy
	reg.Register(a)
	reg.Register(b)

	router := NewRouter(reg)
	p, err := router.Route("llama-3-8b", "tenant-1", RoutingContext{PreferredProvider: "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID() != "a" {
		t.Fatalf("got %q, want \"a\" (fallback to general pool)", p.ID())
	}
}

func TestRouteModelMappingTier(t *testing.T) {
	reg := NewRegistry()
	a := newFakeProvider("a", "llama-3-8b")
	b := newFakeProvider("b", "llama-3-8b")
	reg.Register(a)
	reg.Register(b)
	reg.SetModelMapping("llama-3-8b", "b")

	router := NewRouter(reg)
	p, err := router.Route("llama-3-8b", "tenant-1", RoutingContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID() != "b" {
		t.Fatalf("got %q, want \"b\"", p.ID())
	}
}

func TestRouteSkipsOpenBreaker(t *testing.T) {
	reg := NewRegistry()
	a := newFakeProvider("a", "llama-3-8b")
	a.breakerOpen = true
	b := newFakeProvider("b", "llama-3-8b")
	reg.Register(a)
	reg.Register(b)

	router := NewRouter(reg)
	p, err := router.Route("llama-3-8b", "tenant-1", RoutingContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID() != "b" {
		t.Fatalf("got %q, want \"b\" (a's breaker is open)", p.ID())
	}
}

func TestRouteCostSensitiveOrdering(t *testing.T) {
	reg := NewRegistry()
	cheap := newFakeProvider("cheap", "llama-3-8b")
	cheap.cost = 0.001
	pricey := newFakeProvider("pricey", "llama-3-8b")
	pricey.cost = 0.01
	reg.Register(pricey) // registered first, would otherwise win by registration order
	reg.Register(cheap)

	router := NewRouter(reg)
	p, err := router.Route("llama-3-8b", "tenant-1", RoutingContext{CostSensitive: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID() != "cheap" {
		t.Fatalf("got %q, want \"cheap\"", p.ID())
	}
}

func TestRouteNoProviderAvailable(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(reg)
	_, err := router.Route("unknown-model", "tenant-1", RoutingContext{})
	if err == nil {
		t.Fatal("expected ErrNoProviderAvailable")
	}
	if _, ok := err.(*ErrNoProviderAvailable); !ok {
		t.Fatalf("got %T, want *ErrNoProviderAvailable", err)
	}
}

func TestRouteTieBreaksByRegistrationThenLexicographicID(t *testing.T) {
	reg := NewRegistry()
	z := newFakeProvider("z", "llama-3-8b")
	a := newFakeProvider("a", "llama-3-8b")
	reg.Register(z) // registered first
	reg.Register(a)

	router := NewRouter(reg)
	p, err := router.Route("llama-3-8b", "tenant-1", RoutingContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID() != "z" {
		t.Fatalf("got %q, want \"z\" (registration order wins before lexicographic)", p.ID())
	}
}
