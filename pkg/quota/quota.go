// Package quota implements per-tenant admission control: a request-rate
// token bucket, a concurrent-request cap, and a daily token budget.
// Grounded on `infer-gateway/filters/ratelimit/ratelimit.go`'s
// per-model `Limiter` map keyed under one mutex, generalized from
// per-model to per-tenant and from a single rate check to the full
// three-gate admission sequence.
package quota

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/matrixinfer-ai/infercore/internal/errs"
)

// Config holds one tenant's admission limits.
type Config struct {
	RPS              float64 // requests/sec token-bucket refill rate
	Burst            int     // token-bucket capacity
	MaxConcurrent    int64   // 0 disables the concurrency gate
	DailyTokenBudget int64   // 0 disables the budget gate
}

type tenantState struct {
	cfg     Config
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

// Admitter is the per-tenant admission gate described in spec §4.9, steps
// 2-4 (rate limit, concurrency cap, daily token budget); tenant
// resolution and the plugin pipeline's PRE_VALIDATE/VALIDATE phases are
// the caller's responsibility (pkg/gateway wires quota ahead of
// pkg/plugin).
type Admitter struct {
	mu         sync.RWMutex
	tenants    map[string]*tenantState
	defaultCfg Config
	budget     BudgetStore
}

// New builds an Admitter using defaultCfg for any tenant without an
// explicit SetTenantConfig call.
func New(defaultCfg Config, budget BudgetStore) *Admitter {
	if budget == nil {
		budget = NewInMemoryBudgetStore()
	}
	return &Admitter{
		tenants:    make(map[string]*tenantState),
		defaultCfg: defaultCfg,
		budget:     budget,
	}
}

// SetTenantConfig installs or replaces tenantID's limits, mirroring the
// teacher's AddOrUpdateLimiter for dynamic per-tenant provisioning.
func (a *Admitter) SetTenantConfig(tenantID string, cfg Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tenants[tenantID] = newTenantState(cfg)
}

// DeleteTenantConfig removes tenantID's explicit limits; it falls back to
// the default config on its next admission.
func (a *Admitter) DeleteTenantConfig(tenantID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tenants, tenantID)
}

func newTenantState(cfg Config) *tenantState {
	ts := &tenantState{cfg: cfg}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	ts.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	if cfg.MaxConcurrent > 0 {
		ts.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return ts
}

func (a *Admitter) stateFor(tenantID string) *tenantState {
	a.mu.RLock()
	ts, ok := a.tenants[tenantID]
	a.mu.RUnlock()
	if ok {
		return ts
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if ts, ok := a.tenants[tenantID]; ok {
		return ts
	}
	ts = newTenantState(a.defaultCfg)
	a.tenants[tenantID] = ts
	return ts
}

// Release hands back a concurrency slot acquired by a successful Admit.
type Release func()

// Admit runs tenantID's request through the rate limit, concurrency cap,
// and daily token budget gates in order, using estimatedTokens as the
// budget-gate cost. On success it returns a Release the caller must call
// exactly once when the request finishes. Any failed gate returns a
// *errs.Error of class Quota and makes no provider call, per spec §4.9.
func (a *Admitter) Admit(ctx context.Context, tenantID string, estimatedTokens int) (Release, error) {
	ts := a.stateFor(tenantID)

	if !ts.limiter.Allow() {
		return nil, errs.New(errs.ClassQuota, "quota", "", "tenant "+tenantID+" exceeded request rate limit", nil)
	}

	if ts.sem != nil {
		if !ts.sem.TryAcquire(1) {
			return nil, errs.New(errs.ClassQuota, "quota", "", "tenant "+tenantID+" exceeded concurrent request limit", nil)
		}
	}

	ok, err := a.budget.ConsumeIfWithinBudget(ctx, tenantID, int64(estimatedTokens), ts.cfg.DailyTokenBudget)
	if err != nil {
		if ts.sem != nil {
			ts.sem.Release(1)
		}
		return nil, errs.New(errs.ClassInternal, "quota", "", "budget store unavailable", err)
	}
	if !ok {
		if ts.sem != nil {
			ts.sem.Release(1)
		}
		return nil, errs.New(errs.ClassQuota, "quota", "", "tenant "+tenantID+" exceeded daily token budget", nil)
	}

	released := false
	return func() {
		if released || ts.sem == nil {
			released = true
			return
		}
		released = true
		ts.sem.Release(1)
	}, nil
}

// RecordActualUsage true-ups the budget gate with the real token count
// once a response is known, correcting for Admit's pre-inference estimate.
func (a *Admitter) RecordActualUsage(ctx context.Context, tenantID string, actualTokens, estimatedTokens int) error {
	delta := int64(actualTokens - estimatedTokens)
	if delta == 0 {
		return nil
	}
	return a.budget.Record(ctx, tenantID, delta)
}
