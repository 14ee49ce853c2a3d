// Package scheduler implements the batch scheduler (spec §4.5): STATIC,
// DYNAMIC, and CONTINUOUS strategies for grouping in-flight requests into
// batches that map to a single native invocation.
//
// The FIFO queue is grounded on `github.com/gammazero/deque` (a ring-buffer
// deque, used here instead of a plain slice so head-dequeue on dispatch
// doesn't reslice the whole backing array); the age-ordered wait-time
// check and the overall "single mutex guarding a small queue struct"
// shape are grounded on the teacher's
// `datastore/fairness_queue.go` (`RequestPriorityQueue`), whose
// `notifyCh`-driven wakeup this package reuses for DYNAMIC's
// wait-until-full-or-timeout dispatch condition. Concurrent-batch
// admission is grounded on `golang.org/x/sync/semaphore`, the same
// primitive `pkg/reliability` uses for bulkheads.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"golang.org/x/sync/semaphore"

	"github.com/matrixinfer-ai/infercore/internal/errs"
	"github.com/matrixinfer-ai/infercore/pkg/types"
)

// Strategy selects a batching mode, per spec §4.5.
type Strategy string

const (
	StrategyStatic     Strategy = "STATIC"
	StrategyDynamic    Strategy = "DYNAMIC"
	StrategyContinuous Strategy = "CONTINUOUS"
)

// Config is hot-reloadable via SetConfig; in-flight batches keep running
// under the config that was live when they were dispatched.
type Config struct {
	Strategy             Strategy
	MaxBatchSize         int
	MaxWaitTime          time.Duration
	MaxConcurrentBatches int
	SmallPromptThreshold int
	Disaggregation       bool
}

// Result is what a dispatched request resolves to.
type Result struct {
	Response types.InferenceResponse
	Err      error
}

// Dispatcher executes one batch of requests to completion. It is supplied
// by the orchestrator (wired to a provider session), keeping the
// scheduler itself ignorant of providers/runtimes.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch []types.InferenceRequest) []Result
}

// Future resolves to a single request's Result once its batch completes.
type Future struct {
	ch chan Result
}

// Wait blocks until the result is available or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (types.InferenceResponse, error) {
	select {
	case r := <-f.ch:
		return r.Response, r.Err
	case <-ctx.Done():
		return types.InferenceResponse{}, ctx.Err()
	}
}

type queuedRequest struct {
	req        types.InferenceRequest
	resultCh   chan Result
	enqueuedAt time.Time
}

// BatchMetrics reports the scheduler's observable queue state (spec
// §4.5's "queue depth is observable").
type BatchMetrics struct {
	QueueDepth       int
	RunningBatches   int
	OldestWaitMillis int64
}

// Scheduler implements submit/submitBatch/flush/setConfig over a single
// FIFO queue shared by all three strategies; CONTINUOUS differs only in
// how aggressively it dispatches (see shouldDispatchLocked).
type Scheduler struct {
	mu     sync.Mutex
	cfg    Config
	queue  deque.Deque[*queuedRequest]
	notify chan struct{}
	stopCh chan struct{}

	dispatcher Dispatcher
	batchSlots *semaphore.Weighted

	wg sync.WaitGroup
}

// New builds a Scheduler bound to dispatcher and starts its background
// dispatch loop. Call Close to stop it.
func New(cfg Config, dispatcher Dispatcher) *Scheduler {
	s := &Scheduler{
		cfg:        cfg,
		notify:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		dispatcher: dispatcher,
		batchSlots: semaphore.NewWeighted(int64(max(cfg.MaxConcurrentBatches, 1))),
	}
	s.wg.Add(1)
	go s.dispatchLoop()
	return s
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Close stops the dispatch loop. Queued requests are abandoned; call
// Flush first if they should be drained.
func (s *Scheduler) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

// SetConfig hot-reloads the strategy/limits. In-flight batches (already
// past the queue, executing under Dispatch) are unaffected.
func (s *Scheduler) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.wakeLocked()
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Metrics returns the current queue depth and oldest wait time.
func (s *Scheduler) Metrics() BatchMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := BatchMetrics{QueueDepth: s.queue.Len()}
	if s.queue.Len() > 0 {
		oldest := s.queue.Front()
		m.OldestWaitMillis = time.Since(oldest.enqueuedAt).Milliseconds()
	}
	return m
}

// Submit enqueues request and returns a Future resolving once its batch
// is dispatched and completed. maxContextTokens, supplied by the caller
// from the target model's capabilities, rejects oversized prompts before
// they ever enter the queue (spec §4.5).
func (s *Scheduler) Submit(ctx context.Context, req types.InferenceRequest, maxContextTokens int) (*Future, error) {
	if maxContextTokens > 0 && req.PromptTokenCount() > maxContextTokens {
		return nil, errs.New(errs.ClassContextTooLong, "scheduler", req.RequestID(), "prompt exceeds model's max context tokens", nil)
	}

	qr := &queuedRequest{req: req, resultCh: make(chan Result, 1), enqueuedAt: time.Now()}

	s.mu.Lock()
	s.queue.PushBack(qr)
	shouldDispatchNow := s.shouldDispatchLocked()
	s.mu.Unlock()

	if shouldDispatchNow {
		s.wake()
	}

	return &Future{ch: qr.resultCh}, nil
}

// SubmitBatch submits every request in reqs as one indivisible batch,
// bypassing the queue's own grouping, and returns one Future per request.
func (s *Scheduler) SubmitBatch(ctx context.Context, reqs []types.InferenceRequest, maxContextTokens int) ([]*Future, error) {
	futures := make([]*Future, 0, len(reqs))
	qrs := make([]*queuedRequest, 0, len(reqs))
	for _, req := range reqs {
		if maxContextTokens > 0 && req.PromptTokenCount() > maxContextTokens {
			return nil, errs.New(errs.ClassContextTooLong, "scheduler", req.RequestID(), "prompt exceeds model's max context tokens", nil)
		}
		qr := &queuedRequest{req: req, resultCh: make(chan Result, 1), enqueuedAt: time.Now()}
		qrs = append(qrs, qr)
		futures = append(futures, &Future{ch: qr.resultCh})
	}

	if err := s.batchSlots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	go func() {
		defer s.batchSlots.Release(1)
		s.runBatch(context.Background(), qrs)
	}()

	return futures, nil
}

// Flush dispatches every queued request immediately, regardless of
// maxWaitTime or maxBatchSize.
func (s *Scheduler) Flush() {
	for {
		s.mu.Lock()
		batch := make([]*queuedRequest, 0, s.queue.Len())
		for s.queue.Len() > 0 && (s.cfg.MaxBatchSize <= 0 || len(batch) < s.cfg.MaxBatchSize) {
			batch = append(batch, s.queue.PopFront())
		}
		s.mu.Unlock()
		if len(batch) == 0 || s.batchSlots.Acquire(context.Background(), 1) != nil {
			return
		}
		go func(b []*queuedRequest) {
			defer s.batchSlots.Release(1)
			s.runBatch(context.Background(), b)
		}(batch)
	}
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) wakeLocked() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// shouldDispatchLocked reports whether a batch is ready: a full batch for
// every strategy, the oldest request's maxWaitTime for DYNAMIC, and any
// queued request at all for CONTINUOUS (zero-wait dispatch).
// Must be called with s.mu held.
func (s *Scheduler) shouldDispatchLocked() bool {
	if s.queue.Len() == 0 {
		return false
	}
	if s.queue.Len() >= s.cfg.MaxBatchSize || s.cfg.Strategy == StrategyContinuous {
		return true
	}
	if s.cfg.Strategy == StrategyDynamic {
		oldest := s.queue.Front()
		return time.Since(oldest.enqueuedAt) >= s.cfg.MaxWaitTime
	}
	return false
}

// dispatchLoop wakes on notify (a new submission, a config change, or a
// flush) and on a periodic tick (so DYNAMIC's maxWaitTime condition fires
// even with no further submissions), draining whatever batches are ready.
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.notify:
		case <-ticker.C:
		}
		s.drainReadyBatches()
	}
}

func (s *Scheduler) drainReadyBatches() {
	for {
		s.mu.Lock()
		cfg := s.cfg
		if !s.shouldDispatchLocked() {
			s.mu.Unlock()
			return
		}
		size := cfg.MaxBatchSize
		if size <= 0 || size > s.queue.Len() {
			size = s.queue.Len()
		}
		batch := make([]*queuedRequest, 0, size)
		for i := 0; i < size; i++ {
			batch = append(batch, s.queue.PopFront())
		}
		s.mu.Unlock()

		if err := s.batchSlots.Acquire(context.Background(), 1); err != nil {
			return
		}
		go func(b []*queuedRequest) {
			defer s.batchSlots.Release(1)
			s.runBatch(context.Background(), b)
		}(batch)
	}
}

func (s *Scheduler) runBatch(ctx context.Context, batch []*queuedRequest) {
	reqs := make([]types.InferenceRequest, len(batch))
	for i, qr := range batch {
		reqs[i] = qr.req
	}

	results := s.dispatcher.Dispatch(ctx, reqs)
	for i, qr := range batch {
		var r Result
		if i < len(results) {
			r = results[i]
		} else {
			r = Result{Err: errs.New(errs.ClassInternal, "scheduler", qr.req.RequestID(), "dispatcher returned fewer results than requests", nil)}
		}
		qr.resultCh <- r
	}
}
