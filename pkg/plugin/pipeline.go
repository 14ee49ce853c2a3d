package plugin

import "context"

// Pipeline runs a Context through every registered plugin, phase by
// phase, in order.
type Pipeline struct {
	registry *Registry
}

// NewPipeline builds a Pipeline over registry.
func NewPipeline(registry *Registry) *Pipeline {
	return &Pipeline{registry: registry}
}

// Initialize calls Initialize on every registered plugin that implements
// Initializer, in phase/order sequence, stopping at the first error.
func (p *Pipeline) Initialize(ctx context.Context) error {
	for _, pl := range p.registry.All() {
		if init, ok := pl.(Initializer); ok {
			if err := init.Initialize(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Shutdown calls Shutdown on every registered plugin that implements
// Shutdowner, best-effort: it keeps going after an error and returns the
// first one encountered.
func (p *Pipeline) Shutdown() error {
	var firstErr error
	for _, pl := range p.registry.All() {
		if sd, ok := pl.(Shutdowner); ok {
			if err := sd.Shutdown(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run executes every phase's plugins in order against pc. A plugin whose
// Execute returns an error halts the pipeline unless the plugin also
// implements FailureHandler and its OnFailure returns true, in which case
// the pipeline continues to the next plugin. The first unhandled error
// becomes the pipeline's (and therefore the request's) error.
func (p *Pipeline) Run(ctx context.Context, pc *Context) error {
	for _, phase := range Phases {
		for _, pl := range p.registry.PluginsForPhase(phase) {
			if err := pl.Execute(ctx, pc); err != nil {
				if fh, ok := pl.(FailureHandler); ok && fh.OnFailure(ctx, pc, err) {
					continue
				}
				return err
			}
		}
	}
	return nil
}
