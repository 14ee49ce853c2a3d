package quota

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BudgetStore tracks each tenant's cumulative token usage for the current
// day and admits or rejects an increment against a budget atomically, so
// two concurrent admissions can't both slip in under a budget that only
// has room for one of them.
type BudgetStore interface {
	// ConsumeIfWithinBudget adds tokens to tenantID's usage for today and
	// reports whether the result stayed within budget. If it did not, the
	// increment is rolled back and ok is false.
	ConsumeIfWithinBudget(ctx context.Context, tenantID string, tokens int64, budget int64) (ok bool, err error)
	// Record adds tokens to tenantID's usage for today unconditionally,
	// used to true up an estimate against actual post-inference usage.
	Record(ctx context.Context, tenantID string, tokens int64) error
}

type dailyCounter struct {
	date string
	used int64
}

// InMemoryBudgetStore is the default BudgetStore: correct within one
// process, reset implicitly at UTC midnight by date-keying the counter.
type InMemoryBudgetStore struct {
	mu       sync.Mutex
	counters map[string]*dailyCounter
	now      func() time.Time
}

func NewInMemoryBudgetStore() *InMemoryBudgetStore {
	return &InMemoryBudgetStore{counters: make(map[string]*dailyCounter), now: time.Now}
}

func (s *InMemoryBudgetStore) today() string {
	return s.now().UTC().Format("2006-01-02")
}

func (s *InMemoryBudgetStore) counter(tenantID string) *dailyCounter {
	c, ok := s.counters[tenantID]
	today := s.today()
	if !ok {
		c = &dailyCounter{date: today}
		s.counters[tenantID] = c
		return c
	}
	if c.date != today {
		c.date = today
		c.used = 0
	}
	return c
}

func (s *InMemoryBudgetStore) ConsumeIfWithinBudget(ctx context.Context, tenantID string, tokens, budget int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counter(tenantID)
	if budget > 0 && c.used+tokens > budget {
		return false, nil
	}
	c.used += tokens
	return true, nil
}

func (s *InMemoryBudgetStore) Record(ctx context.Context, tenantID string, tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counter(tenantID)
	c.used += tokens
	return nil
}

var _ BudgetStore = (*InMemoryBudgetStore)(nil)

func budgetKey(prefix, tenantID, date string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, tenantID, date)
}
