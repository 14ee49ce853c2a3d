package asyncjob

import (
	"context"
	"sync"

	"github.com/matrixinfer-ai/infercore/pkg/types"
)

// JobStore mirrors job state to durable storage so status survives a
// process restart; the manager's in-memory lookup table is the fast path
// used for every Status/WaitFor call, and a JobStore write happens on every
// state transition alongside it.
type JobStore interface {
	Save(ctx context.Context, job types.AsyncJob) error
	Load(ctx context.Context, jobID string) (types.AsyncJob, bool, error)
}

// InMemoryJobStore is the default JobStore: it gives the manager durability
// across nothing more than its own lifetime, useful for tests and for
// single-process deployments that accept losing in-flight job state on
// restart.
type InMemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]types.AsyncJob
}

func NewInMemoryJobStore() *InMemoryJobStore {
	return &InMemoryJobStore{jobs: make(map[string]types.AsyncJob)}
}

func (s *InMemoryJobStore) Save(ctx context.Context, job types.AsyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = job
	return nil
}

func (s *InMemoryJobStore) Load(ctx context.Context, jobID string) (types.AsyncJob, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	return job, ok, nil
}

var _ JobStore = (*InMemoryJobStore)(nil)
