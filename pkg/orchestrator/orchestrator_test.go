package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/matrixinfer-ai/infercore/internal/errs"
	"github.com/matrixinfer-ai/infercore/pkg/kvcache"
	"github.com/matrixinfer-ai/infercore/pkg/provider"
	"github.com/matrixinfer-ai/infercore/pkg/reliability"
	"github.com/matrixinfer-ai/infercore/pkg/runtime"
	"github.com/matrixinfer-ai/infercore/pkg/types"
)

type recordingMetrics struct {
	events []struct {
		tags    map[string]string
		latency int64
		success bool
	}
}

func (m *recordingMetrics) RecordInference(tags map[string]string, latencyMs int64, success bool) {
	m.events = append(m.events, struct {
		tags    map[string]string
		latency int64
		success bool
	}{tags, latencyMs, success})
}

type fakeSessionProvider struct {
	id      string
	factory runtime.BackendFactory
	rp      *runtime.Provider
}

func newFakeSessionProvider(id string, factory runtime.BackendFactory) *fakeSessionProvider {
	return &fakeSessionProvider{id: id, factory: factory, rp: runtime.NewProvider(runtime.Config{
		ID: id, Version: "v1", MaxConcurrentRequests: 4,
		Reliability: fastReliabilityConfig(),
		Supports:    func(modelID, tenantID string) bool { return true },
	}, factory)}
}

func (f *fakeSessionProvider) ID() string                      { return f.rp.ID() }
func (f *fakeSessionProvider) Version() string                 { return f.rp.Version() }
func (f *fakeSessionProvider) Supports(m, t string) bool        { return f.rp.Supports(m, t) }
func (f *fakeSessionProvider) Descriptor() types.ProviderDescriptor { return f.rp.Descriptor() }
func (f *fakeSessionProvider) BreakerOpen() bool                { return f.rp.BreakerOpen() }
func (f *fakeSessionProvider) DeviceHint() string                { return f.rp.DeviceHint() }
func (f *fakeSessionProvider) CostPerToken() float64             { return f.rp.CostPerToken() }
func (f *fakeSessionProvider) GetSession(ctx context.Context, tenantID, modelID string) (*runtime.Session, error) {
	return f.rp.GetSession(ctx, tenantID, modelID)
}

type echoBackend struct{}

func (echoBackend) Infer(ctx context.Context, req types.InferenceRequest) (types.InferenceResponse, error) {
	return types.InferenceResponse{RequestID: req.RequestID(), FinishReason: types.FinishStop}, nil
}
func (echoBackend) Stream(ctx context.Context, req types.InferenceRequest) (<-chan types.StreamChunk, error) {
	return nil, nil
}
func (echoBackend) Embed(ctx context.Context, text string) ([]float32, error) { return nil, nil }
func (echoBackend) Warmup(ctx context.Context, reqs []types.InferenceRequest) error { return nil }
func (echoBackend) Close() error                                                    { return nil }

func fastReliabilityConfig() reliability.Config {
	cfg := reliability.DefaultConfig()
	cfg.MaxRetries = 0
	cfg.RequestVolumeThreshold = 1000
	return cfg
}

func TestDispatchResolvesCombinedStageWhenDisaggregationOff(t *testing.T) {
	reg := provider.NewRegistry()
	fp := newFakeSessionProvider("p1", func(ctx context.Context, tenantID, modelID string) (runtime.Backend, error) {
		return echoBackend{}, nil
	})
	reg.Register(fp)

	router := provider.NewRouter(reg)
	metrics := &recordingMetrics{}
	o := New(Config{Disaggregation: false}, router, metrics)

	req := types.NewRequestBuilder("r1", "tenant-1", "m").Build()
	resp, err := o.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.RequestID != "r1" {
		t.Fatalf("got requestID %q, want r1", resp.RequestID)
	}
	if len(metrics.events) != 1 || !metrics.events[0].success {
		t.Fatalf("expected one successful metrics event, got %+v", metrics.events)
	}
	if metrics.events[0].tags["stage"] != string(types.StageCombined) {
		t.Fatalf("stage tag = %q, want COMBINED", metrics.events[0].tags["stage"])
	}
}

func TestDispatchReturnsErrorWhenNoProviderAvailable(t *testing.T) {
	reg := provider.NewRegistry()
	router := provider.NewRouter(reg)
	metrics := &recordingMetrics{}
	o := New(Config{}, router, metrics)

	req := types.NewRequestBuilder("r1", "tenant-1", "unknown-model").Build()
	_, err := o.Dispatch(context.Background(), req)
	if err == nil {
		t.Fatal("expected error for unroutable model")
	}
	if len(metrics.events) != 1 || metrics.events[0].success {
		t.Fatalf("expected one failed metrics event, got %+v", metrics.events)
	}
}

func TestResolveStagePrefillThenDecode(t *testing.T) {
	reg := provider.NewRegistry()
	router := provider.NewRouter(reg)
	o := New(Config{Disaggregation: true, SmallPromptThreshold: 1}, router, &recordingMetrics{})

	req := types.NewRequestBuilder("r1", "tenant-1", "m").WithPromptTokenCount(50).Build()
	if stage := o.ResolveStage(req); stage != types.StagePrefill {
		t.Fatalf("first resolution = %v, want PREFILL", stage)
	}
	if stage := o.ResolveStage(req); stage != types.StageDecode {
		t.Fatalf("second resolution = %v, want DECODE", stage)
	}
}

func TestResolveStageSmallPromptIsCombined(t *testing.T) {
	reg := provider.NewRegistry()
	router := provider.NewRouter(reg)
	o := New(Config{Disaggregation: true, SmallPromptThreshold: 100}, router, &recordingMetrics{})

	req := types.NewRequestBuilder("r1", "tenant-1", "m").WithPromptTokenCount(5).Build()
	if stage := o.ResolveStage(req); stage != types.StageCombined {
		t.Fatalf("got %v, want COMBINED", stage)
	}
}

func TestDispatchAllocatesAndFreesKVCacheBlocks(t *testing.T) {
	reg := provider.NewRegistry()
	fp := newFakeSessionProvider("p1", func(ctx context.Context, tenantID, modelID string) (runtime.Backend, error) {
		return echoBackend{}, nil
	})
	reg.Register(fp)
	router := provider.NewRouter(reg)
	o := New(Config{}, router, &recordingMetrics{})
	o.KVCache = kvcache.NewBlockPool(kvcache.Config{BlockSize: 4, TotalBlocks: 8, HiddenDim: 1, ElementBytes: 1})

	req := types.NewRequestBuilder("r1", "tenant-1", "m").WithPromptTokenCount(8).Build()
	if _, err := o.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !o.KVCache.Conserved() || o.KVCache.FreeCount() != 8 {
		t.Fatalf("expected all blocks released after dispatch, free=%d", o.KVCache.FreeCount())
	}
}

func TestDispatchReturnsOverloadedOnCacheExhaustion(t *testing.T) {
	reg := provider.NewRegistry()
	fp := newFakeSessionProvider("p1", func(ctx context.Context, tenantID, modelID string) (runtime.Backend, error) {
		return echoBackend{}, nil
	})
	reg.Register(fp)
	router := provider.NewRouter(reg)
	metrics := &recordingMetrics{}
	o := New(Config{}, router, metrics)
	o.KVCache = kvcache.NewBlockPool(kvcache.Config{BlockSize: 4, TotalBlocks: 1, HiddenDim: 1, ElementBytes: 1})

	req := types.NewRequestBuilder("r1", "tenant-1", "m").WithPromptTokenCount(100).Build()
	_, err := o.Dispatch(context.Background(), req)
	if err == nil {
		t.Fatal("expected cache exhaustion to surface as an error")
	}
	var e *errs.Error
	if !errors.As(err, &e) || e.Type != errs.ClassOverloaded || !e.Retryable {
		t.Fatalf("got %v, want a retryable Overloaded error", err)
	}
	if o.KVCache.FreeCount() != 1 {
		t.Fatalf("exhausted allocation must not persist: free=%d, want 1", o.KVCache.FreeCount())
	}
}

func TestSchedulerAdapterDispatchesBatchConcurrently(t *testing.T) {
	reg := provider.NewRegistry()
	fp := newFakeSessionProvider("p1", func(ctx context.Context, tenantID, modelID string) (runtime.Backend, error) {
		return echoBackend{}, nil
	})
	reg.Register(fp)
	router := provider.NewRouter(reg)
	o := New(Config{}, router, &recordingMetrics{})
	adapter := SchedulerAdapter{Orchestrator: o}

	batch := []types.InferenceRequest{
		types.NewRequestBuilder("r1", "tenant-1", "m").Build(),
		types.NewRequestBuilder("r2", "tenant-1", "m").Build(),
	}
	results := adapter.Dispatch(context.Background(), batch)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("result %d: unexpected error: %v", i, r.Err)
		}
	}
}
