package quota

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBudgetStore mirrors InMemoryBudgetStore's contract against a shared
// Redis instance, the way the teacher's GlobalRateLimiter shares rate-limit
// state across gateway replicas via a single Redis key per (model, kind);
// here the key is per (tenant, UTC date) instead of per model.
type RedisBudgetStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisBudgetStore(client *redis.Client, keyPrefix string) *RedisBudgetStore {
	if keyPrefix == "" {
		keyPrefix = "infercore:quota:budget"
	}
	return &RedisBudgetStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisBudgetStore) key(tenantID string) string {
	return budgetKey(s.keyPrefix, tenantID, time.Now().UTC().Format("2006-01-02"))
}

// ConsumeIfWithinBudget increments the counter then checks the result,
// compensating with a decrement if the increment pushed usage over budget.
// This costs one extra round trip relative to a Lua script but needs no
// server-side scripting support, matching the plain INCRBY/EXPIRE/ZADD
// style the teacher's rate limiter pipeline already uses against Redis.
func (s *RedisBudgetStore) ConsumeIfWithinBudget(ctx context.Context, tenantID string, tokens, budget int64) (bool, error) {
	key := s.key(tenantID)
	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, tokens)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	used := incr.Val()
	if budget > 0 && used > budget {
		if err := s.client.DecrBy(ctx, key, tokens).Err(); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *RedisBudgetStore) Record(ctx context.Context, tenantID string, tokens int64) error {
	key := s.key(tenantID)
	pipe := s.client.TxPipeline()
	pipe.IncrBy(ctx, key, tokens)
	pipe.Expire(ctx, key, 48*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

var _ BudgetStore = (*RedisBudgetStore)(nil)
