// Package orchestrator implements the stage-aware orchestrator (spec
// §4.6): resolves each request's prefill/decode/combined stage, routes it
// through pkg/provider, executes it via the provider's session, and
// records outcome metrics.
//
// The teacher has no direct analogue (its router dispatches straight to a
// Kubernetes pod without a stage-classification step of its own), so the
// dispatch shape here is grounded on `router/router.go`'s overall
// "parse -> rate limit -> route -> proxy -> record" pipeline structure,
// generalized from an HTTP proxy handler into an in-process call.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matrixinfer-ai/infercore/internal/errs"
	"github.com/matrixinfer-ai/infercore/pkg/kvcache"
	"github.com/matrixinfer-ai/infercore/pkg/provider"
	"github.com/matrixinfer-ai/infercore/pkg/runtime"
	"github.com/matrixinfer-ai/infercore/pkg/scheduler"
	"github.com/matrixinfer-ai/infercore/pkg/types"
)

// Config holds the disaggregation knobs from spec §4.6/§6.
type Config struct {
	Disaggregation       bool
	SmallPromptThreshold int // tokens
}

// MetricsPublisher receives one outcome event per dispatched request.
// pkg/metrics implements this; defined here (not imported from there) so
// orchestrator never depends on the metrics package's Prometheus wiring.
type MetricsPublisher interface {
	RecordInference(tags map[string]string, latencyMs int64, success bool)
}

// SessionGetter is the subset of runtime.Provider the orchestrator needs
// once the router has picked a provider.Provider; the router only knows
// the narrower provider.Provider interface, so a type assertion bridges
// the two at the one call site that needs session access.
type SessionGetter interface {
	provider.Provider
	GetSession(ctx context.Context, tenantID, modelID string) (*runtime.Session, error)
}

// Orchestrator resolves stage, routes, dispatches, and records metrics
// for every request. Wrap it in a SchedulerAdapter for a Scheduler to
// drive it over batched requests.
type Orchestrator struct {
	cfg     Config
	router  *provider.Router
	metrics MetricsPublisher

	// KVCache backs the PREFILL/DECODE block accounting for disaggregated
	// serving (spec §4.1/§4.6). Left nil, Dispatch performs no cache
	// bookkeeping at all — useful for providers/tests with no paged-cache
	// notion. Set directly after New (pkg/gateway wires it in).
	KVCache *kvcache.BlockPool

	seenMu sync.Mutex
	seen   map[string]bool // requestID -> prefill already dispatched
}

// New builds an Orchestrator over router, publishing outcomes to metrics.
func New(cfg Config, router *provider.Router, metrics MetricsPublisher) *Orchestrator {
	return &Orchestrator{cfg: cfg, router: router, metrics: metrics, seen: make(map[string]bool)}
}

// ResolveStage implements spec §4.6's stage-resolution rule.
func (o *Orchestrator) ResolveStage(req types.InferenceRequest) types.Stage {
	if req.Stage() != types.StageUnresolved {
		return req.Stage()
	}
	if !o.cfg.Disaggregation {
		return types.StageCombined
	}

	promptTokens := req.PromptTokenCount()
	if promptTokens == 0 {
		promptTokens = approxTokenCount(req.Prompt())
	}
	if promptTokens < o.cfg.SmallPromptThreshold {
		return types.StageCombined
	}

	o.seenMu.Lock()
	firstExecution := !o.seen[req.RequestID()]
	o.seen[req.RequestID()] = true
	o.seenMu.Unlock()

	if firstExecution {
		return types.StagePrefill
	}
	return types.StageDecode
}

func approxTokenCount(prompt string) int {
	return (len(prompt) + 3) / 4
}

// reserveCacheBlocks performs the spec §4.1 allocation call matching the
// resolved stage: PREFILL/COMBINED reserve ceil(promptTokens/blockSize)
// fresh blocks, DECODE appends to an existing sequence's running block
// list. A DECODE resolution that finds no prior allocation (this
// Dispatch call is the sequence's first touch of the cache, since the
// synchronous session.Infer path runs a whole generation in one call
// rather than one step per Dispatch) falls back to AllocatePrefill so the
// sequence still gets its blocks instead of failing on a bookkeeping
// technicality.
func (o *Orchestrator) reserveCacheBlocks(stage types.Stage, sequenceID string, promptTokens int) error {
	if stage == types.StageDecode {
		if _, err := o.KVCache.AppendDecode(sequenceID); err == nil {
			return nil
		}
	}
	_, err := o.KVCache.AllocatePrefill(sequenceID, promptTokens)
	return err
}

// Dispatch resolves req's stage, routes it to a provider, executes it on
// that provider's session, and records the outcome. It is the single
// request path used directly by callers and, per-item, by the batch
// scheduler.
func (o *Orchestrator) Dispatch(ctx context.Context, req types.InferenceRequest) (types.InferenceResponse, error) {
	stage := o.ResolveStage(req)
	promptTokens := req.PromptTokenCount()
	if promptTokens == 0 {
		promptTokens = approxTokenCount(req.Prompt())
	}
	resolved := req.WithResolvedStage(stage, promptTokens)

	start := time.Now()
	tags := map[string]string{"model": resolved.Model(), "tenant": resolved.TenantID(), "stage": string(stage)}

	if o.KVCache != nil {
		if err := o.reserveCacheBlocks(stage, resolved.RequestID(), promptTokens); err != nil {
			tags["error_class"] = string(errs.ClassOverloaded)
			o.metrics.RecordInference(tags, time.Since(start).Milliseconds(), false)
			return types.InferenceResponse{}, errs.New(errs.ClassOverloaded, "orchestrator", resolved.RequestID(), err.Error(), err)
		}
		defer o.KVCache.Free(resolved.RequestID())
	}

	p, err := o.router.Route(resolved.Model(), resolved.TenantID(), provider.RoutingContext{Priority: resolved.Priority()})
	if err != nil {
		tags["error_class"] = string(errs.ClassProviderUnavailable)
		o.metrics.RecordInference(tags, time.Since(start).Milliseconds(), false)
		return types.InferenceResponse{}, errs.New(errs.ClassProviderUnavailable, "orchestrator", resolved.RequestID(), err.Error(), err)
	}
	tags["provider"] = p.ID()

	sg, ok := p.(SessionGetter)
	if !ok {
		tags["error_class"] = string(errs.ClassInternal)
		o.metrics.RecordInference(tags, time.Since(start).Milliseconds(), false)
		return types.InferenceResponse{}, errs.New(errs.ClassInternal, "orchestrator", resolved.RequestID(), "provider does not support session execution", nil)
	}

	session, err := sg.GetSession(ctx, resolved.TenantID(), resolved.Model())
	if err != nil {
		tags["error_class"] = string(errs.ClassProviderUnavailable)
		o.metrics.RecordInference(tags, time.Since(start).Milliseconds(), false)
		return types.InferenceResponse{}, errs.New(errs.ClassProviderUnavailable, "orchestrator", resolved.RequestID(), err.Error(), err)
	}

	resp, err := session.Infer(ctx, resolved)
	success := err == nil
	if !success {
		tags["error_class"] = classify(err)
	}
	o.metrics.RecordInference(tags, time.Since(start).Milliseconds(), success)
	return resp, err
}

func classify(err error) string {
	var e *errs.Error
	if errors.As(err, &e) {
		return string(e.Type)
	}
	return string(errs.ClassInternal)
}

// SchedulerAdapter wraps an Orchestrator to satisfy scheduler.Dispatcher,
// keeping the name collision between the single-request `Dispatch` and
// the batch-shaped one the scheduler needs out of Orchestrator itself.
type SchedulerAdapter struct {
	Orchestrator *Orchestrator
}

// Dispatch runs every request in the batch concurrently through the
// single-request path; per-item results are independent successes or
// failures with no cross-item ordering guarantee, matching spec §5.
func (a SchedulerAdapter) Dispatch(ctx context.Context, batch []types.InferenceRequest) []scheduler.Result {
	results := make([]scheduler.Result, len(batch))
	var wg sync.WaitGroup
	for i, req := range batch {
		wg.Add(1)
		go func(i int, req types.InferenceRequest) {
			defer wg.Done()
			resp, err := a.Orchestrator.Dispatch(ctx, req)
			results[i] = scheduler.Result{Response: resp, Err: err}
		}(i, req)
	}
	wg.Wait()
	return results
}

var _ scheduler.Dispatcher = SchedulerAdapter{}
