// Package plugin implements the six-phase request pipeline: PRE_VALIDATE,
// VALIDATE, PRE_INFER, INFER, POST_INFER, FINALIZE. Plugins are polymorphic
// over an optional capability set (Initializer, Shutdowner, FailureHandler)
// beyond the mandatory Execute, the same way the teacher's scheduler
// framework lets a plugin be a FilterPlugin, a ScorePlugin, a ScheduleHook,
// or any combination, discovered via type assertion rather than a single
// fat interface.
package plugin

import "context"

// Phase identifies one stage of the pipeline.
type Phase string

const (
	PhasePreValidate Phase = "PRE_VALIDATE"
	PhaseValidate    Phase = "VALIDATE"
	PhasePreInfer    Phase = "PRE_INFER"
	PhaseInfer       Phase = "INFER"
	PhasePostInfer   Phase = "POST_INFER"
	PhaseFinalize    Phase = "FINALIZE"
)

// Phases lists every phase in pipeline execution order.
var Phases = []Phase{PhasePreValidate, PhaseValidate, PhasePreInfer, PhaseInfer, PhasePostInfer, PhaseFinalize}

// Plugin is the capability every registered plugin must provide: identity,
// its phase and intra-phase order (lower runs first; ties by registration
// order), and the work itself.
type Plugin interface {
	Name() string
	Phase() Phase
	Order() int
	Execute(ctx context.Context, pc *Context) error
}

// Initializer is implemented by plugins that need one-time setup before
// they ever run, e.g. opening a connection pool.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Shutdowner is implemented by plugins that hold resources needing a clean
// release when the pipeline is torn down.
type Shutdowner interface {
	Shutdown() error
}

// FailureHandler lets a plugin decide whether its own Execute error halts
// the pipeline. Returning true swallows the error and lets the pipeline
// continue to the next plugin; returning false (or not implementing this
// interface at all) halts the pipeline and the error becomes the
// request's error.
type FailureHandler interface {
	OnFailure(ctx context.Context, pc *Context, err error) (continuePipeline bool)
}
