package asyncjob

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matrixinfer-ai/infercore/pkg/types"
)

var ErrJobNotFound = errors.New("asyncjob: job not found")

// Executor runs one resolved request to completion. *orchestrator.Orchestrator
// satisfies this without asyncjob importing pkg/orchestrator, keeping the
// dependency graph one-directional.
type Executor interface {
	Dispatch(ctx context.Context, req types.InferenceRequest) (types.InferenceResponse, error)
}

// Config controls the manager's worker pool.
type Config struct {
	Workers int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

type trackedJob struct {
	mu              sync.Mutex
	job             types.AsyncJob
	cancel          context.CancelFunc
	done            chan struct{}
	cancelRequested bool
}

// Manager implements submit/status/waitFor/cancel over a priority queue and
// a worker pool that drives requests through an Executor. The in-memory
// jobs map is the fast lookup path; every state transition is also mirrored
// to a JobStore so status survives a process restart.
type Manager struct {
	cfg      Config
	executor Executor
	store    JobStore
	queue    *jobQueue

	jobsMu sync.RWMutex
	jobs   map[string]*trackedJob
	// byRequest indexes jobID by the RequestID it was submitted for, so
	// callers that only know a requestId (spec §6's `DELETE
	// /v1/infer/{requestId}`) can still reach Cancel.
	byRequest map[string]string

	workersCtx  context.Context
	stopWorkers context.CancelFunc
	wg          sync.WaitGroup
}

// New starts cfg.Workers goroutines pulling from an internal priority
// queue and driving each request through executor.
func New(cfg Config, executor Executor, store JobStore) *Manager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:         cfg,
		executor:    executor,
		store:       store,
		queue:       newJobQueue(),
		jobs:        make(map[string]*trackedJob),
		byRequest:   make(map[string]string),
		workersCtx:  ctx,
		stopWorkers: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Close stops accepting new work from the queue, cancels the context of
// every running job, and waits for the workers to return.
func (m *Manager) Close() {
	m.stopWorkers()
	m.queue.close()
	m.wg.Wait()
}

// Submit enqueues req for background execution and returns its job id
// immediately; the job starts in state QUEUED.
func (m *Manager) Submit(ctx context.Context, req types.InferenceRequest) (string, error) {
	jobID := uuid.NewString()
	now := time.Now()
	job := types.AsyncJob{
		JobID:       jobID,
		RequestID:   req.RequestID(),
		TenantID:    req.TenantID(),
		State:       types.JobQueued,
		SubmittedAt: now,
	}

	tj := &trackedJob{job: job, done: make(chan struct{})}
	m.jobsMu.Lock()
	m.jobs[jobID] = tj
	m.byRequest[req.RequestID()] = jobID
	m.jobsMu.Unlock()

	if err := m.store.Save(ctx, job); err != nil {
		return "", err
	}

	m.queue.push(&queueItem{
		jobID:       jobID,
		tenantID:    req.TenantID(),
		priority:    req.Priority(),
		submittedAt: now,
		dispatch:    func(dispatchCtx context.Context) { m.run(dispatchCtx, tj, req) },
	})
	return jobID, nil
}

// Status returns the current state of jobID, falling back to the JobStore
// if the job has aged out of the in-memory table (e.g. after a restart).
func (m *Manager) Status(ctx context.Context, jobID string) (types.AsyncJob, error) {
	m.jobsMu.RLock()
	tj, ok := m.jobs[jobID]
	m.jobsMu.RUnlock()
	if ok {
		tj.mu.Lock()
		job := tj.job
		tj.mu.Unlock()
		return job, nil
	}

	job, found, err := m.store.Load(ctx, jobID)
	if err != nil {
		return types.AsyncJob{}, err
	}
	if !found {
		return types.AsyncJob{}, ErrJobNotFound
	}
	return job, nil
}

// WaitFor blocks until jobID reaches a terminal state, ctx is cancelled, or
// timeout elapses (timeout <= 0 means wait indefinitely, bounded only by ctx).
func (m *Manager) WaitFor(ctx context.Context, jobID string, timeout time.Duration) (types.AsyncJob, error) {
	m.jobsMu.RLock()
	tj, ok := m.jobs[jobID]
	m.jobsMu.RUnlock()
	if !ok {
		return m.Status(ctx, jobID)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-tj.done:
		tj.mu.Lock()
		job := tj.job
		tj.mu.Unlock()
		return job, nil
	case <-ctx.Done():
		return types.AsyncJob{}, ctx.Err()
	}
}

// Cancel requests jobID stop. A still-queued job is marked CANCELLED and
// skipped when a worker eventually pops it; a running job's context is
// cancelled cooperatively and the worker records the terminal state once
// the Executor returns. Cancel on an already-terminal job is a no-op that
// reports false. Per spec §8's idempotent-cancel invariant, a RUNNING job
// only reports true on the call that actually delivers the cancellation
// signal; every later call (before the worker observes it and transitions
// to a terminal state) reports false.
func (m *Manager) Cancel(jobID string) (bool, error) {
	m.jobsMu.RLock()
	tj, ok := m.jobs[jobID]
	m.jobsMu.RUnlock()
	if !ok {
		return false, ErrJobNotFound
	}

	tj.mu.Lock()
	defer tj.mu.Unlock()

	switch tj.job.State {
	case types.JobQueued:
		now := time.Now()
		tj.job.State = types.JobCancelled
		tj.job.CompletedAt = &now
		close(tj.done)
		go m.store.Save(context.Background(), tj.job)
		return true, nil
	case types.JobRunning:
		if tj.cancelRequested {
			return false, nil
		}
		tj.cancelRequested = true
		if tj.cancel != nil {
			tj.cancel()
		}
		return true, nil
	default:
		return false, nil
	}
}

// CancelByRequestID resolves requestID to its jobID and cancels it, for
// callers (the HTTP DELETE /v1/infer/{requestId} adapter) that only know
// the request id, not the job id Submit returned.
func (m *Manager) CancelByRequestID(requestID string) (bool, error) {
	m.jobsMu.RLock()
	jobID, ok := m.byRequest[requestID]
	m.jobsMu.RUnlock()
	if !ok {
		return false, ErrJobNotFound
	}
	return m.Cancel(jobID)
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		item, err := m.queue.popWhenAvailable(m.workersCtx)
		if err != nil {
			return
		}
		item.dispatch(m.workersCtx)
	}
}

func (m *Manager) run(parentCtx context.Context, tj *trackedJob, req types.InferenceRequest) {
	tj.mu.Lock()
	if tj.job.State != types.JobQueued {
		// already cancelled while still queued
		tj.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parentCtx)
	tj.job.State = types.JobRunning
	tj.cancel = cancel
	runningSnapshot := tj.job
	tj.mu.Unlock()
	_ = m.store.Save(ctx, runningSnapshot)

	resp, err := m.executor.Dispatch(ctx, req)

	tj.mu.Lock()
	now := time.Now()
	tj.job.CompletedAt = &now
	switch {
	case err != nil && errors.Is(ctx.Err(), context.Canceled):
		tj.job.State = types.JobCancelled
	case err != nil:
		tj.job.State = types.JobFailed
		tj.job.Err = err.Error()
	default:
		tj.job.State = types.JobCompleted
		tj.job.Result = &resp
	}
	finalJob := tj.job
	close(tj.done)
	tj.mu.Unlock()

	_ = m.store.Save(context.Background(), finalJob)
}
