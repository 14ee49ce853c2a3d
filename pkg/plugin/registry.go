package plugin

import (
	"sort"
	"sync"
)

// Registry holds every registered Plugin, bucketed by phase and kept
// sorted by Order (ties broken by registration order, since sort.Stable
// preserves the append order of equal-order plugins). Grounded on
// `scheduler/framework/plugins.go`'s RWMutex-guarded map registry,
// generalized from two fixed kinds (score, filter) to six phases.
type Registry struct {
	mu      sync.RWMutex
	plugins map[Phase][]Plugin
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[Phase][]Plugin)}
}

// Register adds p under its declared phase, re-sorting that phase's
// plugins by Order.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	phase := p.Phase()
	r.plugins[phase] = append(r.plugins[phase], p)
	sort.SliceStable(r.plugins[phase], func(i, j int) bool {
		return r.plugins[phase][i].Order() < r.plugins[phase][j].Order()
	})
}

// PluginsForPhase returns phase's plugins in execution order.
func (r *Registry) PluginsForPhase(phase Phase) []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, len(r.plugins[phase]))
	copy(out, r.plugins[phase])
	return out
}

// All returns every registered plugin across all phases, in phase order
// and, within a phase, Order.
func (r *Registry) All() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Plugin
	for _, phase := range Phases {
		out = append(out, r.plugins[phase]...)
	}
	return out
}

// Factory builds a Plugin from config args, the same shape as the
// teacher's ScorePluginFactory/FilterPluginFactory, generalized to any
// phase since plugin.Plugin already self-declares its phase.
type Factory func(args map[string]any) Plugin

var (
	builderMu sync.RWMutex
	builders  = make(map[string]Factory)
)

// RegisterBuilder makes a named Factory available to GetBuilder, the same
// way the teacher registers named filter/score plugin builders. pkg/gateway
// does not consult it: it registers its built-in plugins directly, and the
// config has no plugin section.
func RegisterBuilder(name string, f Factory) {
	builderMu.Lock()
	defer builderMu.Unlock()
	builders[name] = f
}

// GetBuilder looks up a previously registered Factory by name.
func GetBuilder(name string) (Factory, bool) {
	builderMu.RLock()
	defer builderMu.RUnlock()
	f, ok := builders[name]
	return f, ok
}
