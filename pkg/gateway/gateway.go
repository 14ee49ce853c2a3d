// Package gateway is the composition root (SPEC_FULL.md §5): it wires the
// provider registry/router, reliability envelopes, runtime providers,
// KV-cache pool, batch scheduler, stage-aware orchestrator, quota
// admitter, async job manager, streaming broker, plugin pipeline, and
// metrics collector into one process-wide set of components constructed
// once at startup, per DESIGN NOTES' "dependency-injected singletons and
// configured beans -> explicit process-wide components constructed at
// startup by a composition root; pass by reference; no ambient context".
//
// Grounded on the teacher's `cmd/infer-gateway/app.Server`/`NewServer`:
// one struct owning every long-lived dependency, built once in a
// constructor and torn down by one Close/Shutdown, generalized from the
// teacher's Kubernetes-informer-backed store to this module's in-process
// components.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/matrixinfer-ai/infercore/internal/config"
	"github.com/matrixinfer-ai/infercore/internal/errs"
	"github.com/matrixinfer-ai/infercore/internal/obs"
	"github.com/matrixinfer-ai/infercore/pkg/asyncjob"
	"github.com/matrixinfer-ai/infercore/pkg/kvcache"
	"github.com/matrixinfer-ai/infercore/pkg/metrics"
	"github.com/matrixinfer-ai/infercore/pkg/orchestrator"
	"github.com/matrixinfer-ai/infercore/pkg/plugin"
	"github.com/matrixinfer-ai/infercore/pkg/provider"
	"github.com/matrixinfer-ai/infercore/pkg/quota"
	"github.com/matrixinfer-ai/infercore/pkg/reliability"
	"github.com/matrixinfer-ai/infercore/pkg/runtime"
	"github.com/matrixinfer-ai/infercore/pkg/runtime/gguf"
	"github.com/matrixinfer-ai/infercore/pkg/runtime/libtorch"
	"github.com/matrixinfer-ai/infercore/pkg/runtime/openai"
	"github.com/matrixinfer-ai/infercore/pkg/scheduler"
	"github.com/matrixinfer-ai/infercore/pkg/streaming"
	"github.com/matrixinfer-ai/infercore/pkg/tokenizer"
	"github.com/matrixinfer-ai/infercore/pkg/types"
)

var log = obs.NewLogger("gateway")

// NativeBindings lets an embedder supply the opaque GGUF/LibTorch native
// callables spec §1 places out of scope; a Gateway built without them
// simply registers no local-runner providers (only the remote OpenAI
// provider needs no native binding).
type NativeBindings struct {
	GGUFRunner      gguf.NativeRunner
	GGUFModelPath   string
	LibtorchModule  libtorch.NativeModule
	LibtorchArchive string
}

// Gateway is the process-wide set of components described in SPEC_FULL.md
// §5. Every field is built once by New and is safe for concurrent use by
// many goroutines (the external HTTP surface in cmd/infergatewayd calls
// into it per-request).
type Gateway struct {
	cfg config.Config

	Registry  *provider.Registry
	Router    *provider.Router
	KVCache   *kvcache.BlockPool
	Scheduler *scheduler.Scheduler

	Orchestrator *orchestrator.Orchestrator
	Quota        *quota.Admitter
	AsyncJobs    *asyncjob.Manager
	Streaming    *streaming.Broker
	Plugins      *plugin.Pipeline
	Metrics      *metrics.Metrics
	Tokenizer    tokenizer.Tokenizer

	providers map[string]*runtime.Provider
}

// New builds a Gateway from cfg. Providers named in cfg.Providers whose
// id is "openai" are registered as remote OpenAI-compatible backends;
// bindings.GGUFRunner/LibtorchModule, if non-nil, each register one
// additional local-runner provider ("gguf-local"/"libtorch-local").
func New(cfg config.Config, bindings NativeBindings) (*Gateway, error) {
	m := metrics.New(cfg.SLOTarget)

	registry := provider.NewRegistry()
	router := provider.NewRouter(registry)

	kv := kvcache.NewBlockPool(kvcache.Config{
		BlockSize:    cfg.KVCache.BlockSize,
		TotalBlocks:  cfg.KVCache.TotalBlocks,
		HiddenDim:    cfg.KVCache.HiddenDim,
		HeadCount:    cfg.KVCache.HeadCount,
		ElementBytes: cfg.KVCache.ElementBytes,
	})

	g := &Gateway{
		cfg:       cfg,
		Registry:  registry,
		Router:    router,
		KVCache:   kv,
		Metrics:   m,
		Tokenizer: tokenizer.NewSimpleEstimateTokenizer(),
		providers: make(map[string]*runtime.Provider),
	}

	if err := g.registerProviders(bindings); err != nil {
		return nil, err
	}

	orch := orchestrator.New(orchestrator.Config{
		Disaggregation:       cfg.Scheduler.Disaggregation,
		SmallPromptThreshold: cfg.Scheduler.SmallPromptThreshold,
	}, router, m)
	orch.KVCache = kv
	g.Orchestrator = orch

	sched := scheduler.New(scheduler.Config{
		Strategy:             scheduler.Strategy(cfg.Scheduler.Strategy),
		MaxBatchSize:         cfg.Scheduler.MaxBatchSize,
		MaxWaitTime:          cfg.Scheduler.MaxWaitTime,
		MaxConcurrentBatches: cfg.Scheduler.MaxConcurrentBatches,
		SmallPromptThreshold: cfg.Scheduler.SmallPromptThreshold,
		Disaggregation:       cfg.Scheduler.Disaggregation,
	}, orchestrator.SchedulerAdapter{Orchestrator: orch})
	g.Scheduler = sched

	g.Quota = quota.New(defaultTenantQuota(), quota.NewInMemoryBudgetStore())
	for tenantID, tc := range cfg.Quota {
		g.Quota.SetTenantConfig(tenantID, quota.Config{
			RPS: tc.RPS, Burst: tc.Burst, MaxConcurrent: tc.Concurrent, DailyTokenBudget: tc.DailyTokenBudget,
		})
	}

	g.Streaming = streaming.NewBroker()
	g.Streaming.OnClose = func(requestID string) { kv.Free(requestID) }

	registry2 := plugin.NewRegistry()
	registry2.Register(plugin.RequestShapePlugin{})
	registry2.Register(plugin.ContextLengthPlugin{MaxContextTokens: maxContextTokensAcrossProviders(registry)})
	g.Plugins = plugin.NewPipeline(registry2)

	g.AsyncJobs = asyncjob.New(asyncjob.Config{Workers: cfg.AsyncWorkers}, orch, asyncjob.NewInMemoryJobStore())

	return g, nil
}

func defaultTenantQuota() quota.Config {
	return quota.Config{RPS: 10, Burst: 20, MaxConcurrent: 16, DailyTokenBudget: 0}
}

func maxContextTokensAcrossProviders(registry *provider.Registry) int {
	max := 0
	for _, p := range registry.GetAllProviders() {
		if c := p.Descriptor().Capabilities.MaxContextTokens; c > max {
			max = c
		}
	}
	return max
}

// registerProviders builds one runtime.Provider per configured backend
// and registers each with g.Registry, wiring each provider's reliability
// envelope to emit breaker transitions into g.Metrics.
func (g *Gateway) registerProviders(bindings NativeBindings) error {
	for id, pc := range g.cfg.Providers {
		switch id {
		case "openai":
			p := g.newOpenAIProvider(id, pc)
			g.Registry.Register(p)
			g.providers[id] = p
		default:
			log.Warnf("gateway: unrecognized remote provider id %q in config, skipping", id)
		}
	}

	if bindings.GGUFRunner != nil {
		p := g.newGGUFProvider(bindings)
		g.Registry.Register(p)
		g.providers[p.ID()] = p
	}
	if bindings.LibtorchModule != nil {
		p := g.newLibtorchProvider(bindings)
		g.Registry.Register(p)
		g.providers[p.ID()] = p
	}

	if len(g.providers) == 0 {
		return fmt.Errorf("gateway: no providers configured")
	}
	return nil
}

func (g *Gateway) reliabilityConfig(providerID string) reliability.Config {
	rc := reliability.DefaultConfig()
	rc.BulkheadSize = g.cfg.CircuitBreaker.BulkheadSize
	rc.BulkheadQueueSize = g.cfg.CircuitBreaker.BulkheadQueueSize
	rc.CallTimeout = g.cfg.CircuitBreaker.CallTimeout
	rc.MaxRetries = g.cfg.CircuitBreaker.MaxRetries
	rc.RequestVolumeThreshold = uint32(g.cfg.CircuitBreaker.RequestVolumeThreshold)
	rc.FailureRatio = g.cfg.CircuitBreaker.FailureRatio
	rc.OpenDuration = g.cfg.CircuitBreaker.Delay
	rc.HalfOpenSuccessThresh = uint32(g.cfg.CircuitBreaker.SuccessThreshold)
	rc.OnStateChange = func(name, from, to string) {
		g.Metrics.RecordBreakerTransition(name, from, to)
	}
	return rc
}

func (g *Gateway) newOpenAIProvider(id string, pc config.ProviderConfig) *runtime.Provider {
	factory := func(ctx context.Context, tenantID, modelID string) (runtime.Backend, error) {
		opts := []openai.Option{}
		if pc.Endpoint != "" {
			opts = append(opts, openai.WithBaseURL(pc.Endpoint))
		}
		if pc.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(pc.Timeout))
		}
		return openai.New(pc.APIKey, modelID, opts...)
	}

	maxConcurrent := pc.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}

	return runtime.NewProvider(runtime.Config{
		ID:                    id,
		Version:               "v1",
		DeviceHint:            "cloud",
		CostPerToken:          pc.CostPerToken,
		MaxConcurrentRequests: maxConcurrent,
		MaxRetries:            pc.MaxRetries,
		Capabilities: types.Capabilities{
			Streaming:        true,
			FunctionCalling:  true,
			MaxContextTokens: 128000,
			MaxOutputTokens:  4096,
			SupportedFormats: []types.ModelFormat{types.FormatSafeTensors},
			SupportedDevices: []string{"cloud"},
		},
		Reliability: g.reliabilityConfig(id),
	}, factory)
}

func (g *Gateway) newGGUFProvider(bindings NativeBindings) *runtime.Provider {
	const id = "gguf-local"
	return runtime.NewProvider(runtime.Config{
		ID:                    id,
		Version:               "v1",
		DeviceHint:            "cpu",
		MaxConcurrentRequests: 4,
		MaxRetries:            1,
		Capabilities: types.Capabilities{
			Streaming:        true,
			MaxContextTokens: 8192,
			MaxOutputTokens:  2048,
			SupportedFormats: []types.ModelFormat{types.FormatGGUF},
			SupportedDevices: []string{"cpu"},
		},
		Reliability: g.reliabilityConfig(id),
	}, gguf.Factory(bindings.GGUFRunner, bindings.GGUFModelPath))
}

func (g *Gateway) newLibtorchProvider(bindings NativeBindings) *runtime.Provider {
	const id = "libtorch-local"
	return runtime.NewProvider(runtime.Config{
		ID:                    id,
		Version:               "v1",
		DeviceHint:            "gpu",
		MaxConcurrentRequests: 2,
		MaxRetries:            1,
		Capabilities: types.Capabilities{
			Streaming:        true,
			Embeddings:       true,
			MaxContextTokens: 8192,
			MaxOutputTokens:  2048,
			SupportedFormats: []types.ModelFormat{types.FormatSafeTensors},
			SupportedDevices: []string{"gpu"},
		},
		Reliability: g.reliabilityConfig(id),
	}, libtorch.Factory(bindings.LibtorchModule, bindings.LibtorchArchive))
}

// Infer runs one synchronous inference through admission, the plugin
// pipeline, and the batch scheduler, per the flow in spec §2: "request ->
// admission -> orchestrator classifies stage -> router selects provider
// -> scheduler enqueues and batches -> provider session executes".
func (g *Gateway) Infer(ctx context.Context, req types.InferenceRequest) (types.InferenceResponse, error) {
	promptTokens := req.PromptTokenCount()
	if promptTokens == 0 {
		if n, err := g.Tokenizer.CalculateTokenNum(req.Prompt()); err == nil {
			promptTokens = n
			req = req.WithResolvedStage(req.Stage(), n)
		}
	}

	release, err := g.Quota.Admit(ctx, req.TenantID(), promptTokens)
	if err != nil {
		g.Metrics.RecordQuotaRejection(req.TenantID(), "admission")
		return types.InferenceResponse{}, err
	}
	defer release()

	pc := plugin.NewContext(req)
	if err := g.Plugins.Run(ctx, pc); err != nil {
		return types.InferenceResponse{}, err
	}

	maxContextTokens := maxContextTokensAcrossProviders(g.Registry)
	future, err := g.Scheduler.Submit(ctx, pc.Request, maxContextTokens)
	if err != nil {
		return types.InferenceResponse{}, err
	}
	return future.Wait(ctx)
}

// SubmitAsync enqueues req for background execution and returns its job
// id immediately, per spec §4.7.
func (g *Gateway) SubmitAsync(ctx context.Context, req types.InferenceRequest) (string, error) {
	return g.AsyncJobs.Submit(ctx, req)
}

// Stream starts a streaming inference and returns a broker handle plus a
// channel of chunks the caller (the external SSE adapter) relays to the
// client, per spec §4.8.
func (g *Gateway) Stream(ctx context.Context, req types.InferenceRequest) (*streaming.Handle, <-chan types.StreamChunk, error) {
	promptTokens := req.PromptTokenCount()
	if promptTokens == 0 {
		if n, err := g.Tokenizer.CalculateTokenNum(req.Prompt()); err == nil {
			promptTokens = n
			req = req.WithResolvedStage(req.Stage(), n)
		}
	}
	if _, err := g.KVCache.AllocatePrefill(req.RequestID(), promptTokens); err != nil {
		return nil, nil, errs.New(errs.ClassOverloaded, "gateway", req.RequestID(), err.Error(), err)
	}

	p, err := g.Router.Route(req.Model(), req.TenantID(), provider.RoutingContext{Priority: req.Priority()})
	if err != nil {
		g.KVCache.Free(req.RequestID())
		return nil, nil, errs.New(errs.ClassProviderUnavailable, "gateway", req.RequestID(), err.Error(), err)
	}
	sg, ok := p.(interface {
		GetSession(ctx context.Context, tenantID, modelID string) (*runtime.Session, error)
	})
	if !ok {
		g.KVCache.Free(req.RequestID())
		return nil, nil, errs.New(errs.ClassInternal, "gateway", req.RequestID(), "provider does not support session execution", nil)
	}
	session, err := sg.GetSession(ctx, req.TenantID(), req.Model())
	if err != nil {
		g.KVCache.Free(req.RequestID())
		return nil, nil, errs.New(errs.ClassProviderUnavailable, "gateway", req.RequestID(), err.Error(), err)
	}

	// Once Start succeeds, g.Streaming.OnClose releases these blocks when
	// the stream reaches its terminal chunk (or is cancelled).
	handle, err := g.Streaming.Start(ctx, sessionBackend{session}, req)
	if err != nil {
		g.KVCache.Free(req.RequestID())
		return nil, nil, err
	}
	ch, _, _ := g.Streaming.Subscribe(req.RequestID())
	return handle, ch, nil
}

// sessionBackend adapts *runtime.Session to runtime.Backend so the
// streaming broker (which only knows Backend) can drive a warmed
// session's Stream method directly.
type sessionBackend struct{ s *runtime.Session }

func (b sessionBackend) Infer(ctx context.Context, req types.InferenceRequest) (types.InferenceResponse, error) {
	return b.s.Infer(ctx, req)
}
func (b sessionBackend) Stream(ctx context.Context, req types.InferenceRequest) (<-chan types.StreamChunk, error) {
	return b.s.Stream(ctx, req)
}
func (b sessionBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	return b.s.Embed(ctx, text)
}
func (b sessionBackend) Warmup(ctx context.Context, reqs []types.InferenceRequest) error {
	return b.s.Warmup(ctx, reqs)
}
func (b sessionBackend) Close() error { return nil }

var _ runtime.Backend = sessionBackend{}

// ResetBreaker force-closes providerID's circuit breaker, the external
// collaborator behind `POST /v1/providers/{id}/circuit-breaker/reset`
// (spec §6). The reliability envelope has no direct "force closed" verb
// of its own (gobreaker only exposes state transitions driven by call
// outcomes), so this is implemented by the only forcing mechanism
// available: re-registering a fresh envelope, which starts Closed.
func (g *Gateway) ResetBreaker(providerID string) error {
	p, ok := g.providers[providerID]
	if !ok {
		return errs.New(errs.ClassNotFound, "gateway", "", "unknown provider "+providerID, nil)
	}
	p.ResetBreaker(g.reliabilityConfig(providerID))
	return nil
}

// NewRequestID generates a fresh request id for callers (e.g. the HTTP
// adapter) that did not receive an X-Request-ID header (spec §6).
func NewRequestID() string { return uuid.NewString() }

// PollKVCacheOccupancy publishes the KV-cache pool's occupancy to
// g.Metrics on interval until ctx is cancelled; cmd/infergatewayd runs
// this as a background goroutine.
func (g *Gateway) PollKVCacheOccupancy(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Metrics.SetKVCacheOccupancy(g.KVCache.FreeCount(), g.KVCache.TotalBlocks())
			m := g.Scheduler.Metrics()
			g.Metrics.SetBatchMetrics(g.cfg.Scheduler.Strategy, m.QueueDepth, m.RunningBatches)
		}
	}
}

// Shutdown stops the async worker pool and the scheduler's dispatch loop,
// then closes every provider's sessions.
func (g *Gateway) Shutdown() {
	g.AsyncJobs.Close()
	g.Scheduler.Close()
	for _, p := range g.providers {
		if err := p.Shutdown(); err != nil {
			log.Errorf("gateway: provider shutdown error: %v", err)
		}
	}
}
