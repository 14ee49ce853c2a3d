package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/matrixinfer-ai/infercore/pkg/types"
)

type echoDispatcher struct {
	batchSizes chan int
}

func (d *echoDispatcher) Dispatch(ctx context.Context, batch []types.InferenceRequest) []Result {
	if d.batchSizes != nil {
		d.batchSizes <- len(batch)
	}
	out := make([]Result, len(batch))
	for i, r := range batch {
		out[i] = Result{Response: types.InferenceResponse{RequestID: r.RequestID(), FinishReason: types.FinishStop}}
	}
	return out
}

func newReq(id string) types.InferenceRequest {
	return types.NewRequestBuilder(id, "tenant-1", "llama-3-8b").Build()
}

func TestStaticBatchDispatchesOnFull(t *testing.T) {
	d := &echoDispatcher{batchSizes: make(chan int, 4)}
	s := New(Config{Strategy: StrategyStatic, MaxBatchSize: 2, MaxConcurrentBatches: 2}, d)
	defer s.Close()

	f1, err := s.Submit(context.Background(), newReq("r1"), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f2, err := s.Submit(context.Background(), newReq("r2"), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := f1.Wait(ctx); err != nil {
		t.Fatalf("f1 wait: %v", err)
	}
	if _, err := f2.Wait(ctx); err != nil {
		t.Fatalf("f2 wait: %v", err)
	}

	select {
	case n := <-d.batchSizes:
		if n != 2 {
			t.Fatalf("batch size = %d, want 2", n)
		}
	case <-time.After(time.Second):
		t.Fatal("dispatcher was never called")
	}
}

func TestDynamicBatchDispatchesOnMaxWaitTime(t *testing.T) {
	d := &echoDispatcher{batchSizes: make(chan int, 4)}
	s := New(Config{Strategy: StrategyDynamic, MaxBatchSize: 10, MaxWaitTime: 30 * time.Millisecond, MaxConcurrentBatches: 2}, d)
	defer s.Close()

	f, err := s.Submit(context.Background(), newReq("r1"), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := f.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestFlushDispatchesImmediately(t *testing.T) {
	d := &echoDispatcher{batchSizes: make(chan int, 4)}
	s := New(Config{Strategy: StrategyStatic, MaxBatchSize: 100, MaxConcurrentBatches: 2}, d)
	defer s.Close()

	f, err := s.Submit(context.Background(), newReq("r1"), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Flush()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := f.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestSubmitRejectsContextTooLong(t *testing.T) {
	d := &echoDispatcher{}
	s := New(Config{Strategy: StrategyStatic, MaxBatchSize: 1, MaxConcurrentBatches: 1}, d)
	defer s.Close()

	req := types.NewRequestBuilder("r1", "tenant-1", "llama-3-8b").WithPromptTokenCount(9999).Build()
	_, err := s.Submit(context.Background(), req, 100)
	if err == nil {
		t.Fatal("expected ContextTooLong error")
	}
}

func TestMetricsReportsQueueDepth(t *testing.T) {
	d := &echoDispatcher{batchSizes: make(chan int, 4)}
	s := New(Config{Strategy: StrategyStatic, MaxBatchSize: 100, MaxConcurrentBatches: 1}, d)
	defer s.Close()

	_, _ = s.Submit(context.Background(), newReq("r1"), 0)
	m := s.Metrics()
	if m.QueueDepth != 1 {
		t.Fatalf("queue depth = %d, want 1", m.QueueDepth)
	}
}
