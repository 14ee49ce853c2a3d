package asyncjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matrixinfer-ai/infercore/pkg/types"
)

// RedisJobStore mirrors job state into Redis as JSON blobs under
// "<prefix>:<jobID>", the same key-per-entity shape the teacher's rate
// limiter and KV-cache plugin use against Redis. Entries expire after ttl
// so a crash-looping manager can't leak job records forever.
type RedisJobStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func NewRedisJobStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisJobStore {
	if keyPrefix == "" {
		keyPrefix = "infercore:asyncjob"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisJobStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *RedisJobStore) key(jobID string) string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, jobID)
}

func (s *RedisJobStore) Save(ctx context.Context, job types.AsyncJob) error {
	blob, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("asyncjob: marshal job %s: %w", job.JobID, err)
	}
	return s.client.Set(ctx, s.key(job.JobID), blob, s.ttl).Err()
}

func (s *RedisJobStore) Load(ctx context.Context, jobID string) (types.AsyncJob, bool, error) {
	blob, err := s.client.Get(ctx, s.key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.AsyncJob{}, false, nil
	}
	if err != nil {
		return types.AsyncJob{}, false, fmt.Errorf("asyncjob: load job %s: %w", jobID, err)
	}
	var job types.AsyncJob
	if err := json.Unmarshal(blob, &job); err != nil {
		return types.AsyncJob{}, false, fmt.Errorf("asyncjob: unmarshal job %s: %w", jobID, err)
	}
	return job, true, nil
}

var _ JobStore = (*RedisJobStore)(nil)
