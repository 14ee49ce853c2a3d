package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matrixinfer-ai/infercore/pkg/reliability"
	"github.com/matrixinfer-ai/infercore/pkg/types"
)

type fakeBackend struct {
	failNextInfer atomic.Bool
	inferCalls    atomic.Int32
	closed        atomic.Bool
}

func (f *fakeBackend) Infer(ctx context.Context, req types.InferenceRequest) (types.InferenceResponse, error) {
	f.inferCalls.Add(1)
	if f.failNextInfer.Swap(false) {
		return types.InferenceResponse{}, errors.New("boom")
	}
	return types.InferenceResponse{RequestID: req.RequestID(), FinishReason: types.FinishStop}, nil
}

func (f *fakeBackend) Stream(ctx context.Context, req types.InferenceRequest) (<-chan types.StreamChunk, error) {
	ch := make(chan types.StreamChunk, 1)
	ch <- types.StreamChunk{RequestID: req.RequestID(), IsComplete: true}
	close(ch)
	return ch, nil
}

func (f *fakeBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 2, 3}, nil
}

func (f *fakeBackend) Warmup(ctx context.Context, reqs []types.InferenceRequest) error { return nil }

func (f *fakeBackend) Close() error {
	f.closed.Store(true)
	return nil
}

func testReliabilityConfig() reliability.Config {
	cfg := reliability.DefaultConfig()
	cfg.MaxRetries = 0
	cfg.RequestVolumeThreshold = 1000 // keep the breaker from tripping in these tests
	return cfg
}

func newReq(id string) types.InferenceRequest {
	return types.NewRequestBuilder(id, "tenant-1", "m").Build()
}

func TestProviderGetSessionCachesByTenantAndModel(t *testing.T) {
	backend := &fakeBackend{}
	factory := func(ctx context.Context, tenantID, modelID string) (Backend, error) { return backend, nil }
	p := NewProvider(Config{ID: "p1", Version: "v1", MaxConcurrentRequests: 2, Reliability: testReliabilityConfig()}, factory)

	s1, err := p.GetSession(context.Background(), "t1", "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s2, err := p.GetSession(context.Background(), "t1", "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s1 != s2 {
		t.Fatal("expected cached session for the same (tenant, model)")
	}
}

func TestSessionInferRecordsHealth(t *testing.T) {
	backend := &fakeBackend{}
	factory := func(ctx context.Context, tenantID, modelID string) (Backend, error) { return backend, nil }
	p := NewProvider(Config{ID: "p1", Version: "v1", MaxConcurrentRequests: 2, Reliability: testReliabilityConfig()}, factory)

	s, err := p.GetSession(context.Background(), "t1", "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := s.Infer(context.Background(), newReq("r1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Descriptor().Health != types.HealthHealthy {
		t.Fatalf("health = %v, want Healthy", p.Descriptor().Health)
	}
}

func TestSessionSemaphoreBoundsConcurrency(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 10)
	blocking := &blockingBackend{release: release, started: started}
	factory := func(ctx context.Context, tenantID, modelID string) (Backend, error) { return blocking, nil }
	p := NewProvider(Config{ID: "p1", Version: "v1", MaxConcurrentRequests: 1, Reliability: testReliabilityConfig()}, factory)

	s, err := p.GetSession(context.Background(), "t1", "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	go func() { _, _ = s.Infer(context.Background(), newReq("r1")) }()
	<-started // first call has acquired the only slot

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Infer(ctx, newReq("r2"))
	if err == nil {
		t.Fatal("expected second concurrent Infer to block on the occupied slot until the context deadline")
	}

	close(release)
}

type blockingBackend struct {
	release chan struct{}
	started chan struct{}
}

func (b *blockingBackend) Infer(ctx context.Context, req types.InferenceRequest) (types.InferenceResponse, error) {
	b.started <- struct{}{}
	<-b.release
	return types.InferenceResponse{RequestID: req.RequestID()}, nil
}
func (b *blockingBackend) Stream(ctx context.Context, req types.InferenceRequest) (<-chan types.StreamChunk, error) {
	return nil, nil
}
func (b *blockingBackend) Embed(ctx context.Context, text string) ([]float32, error) { return nil, nil }
func (b *blockingBackend) Warmup(ctx context.Context, reqs []types.InferenceRequest) error {
	return nil
}
func (b *blockingBackend) Close() error { return nil }
