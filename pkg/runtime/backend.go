// Package runtime implements the provider runtime and session manager
// (spec §4.2): per-(tenant, model, provider) pools of warmed sessions
// fronting opaque native callables (GGUF, LibTorch) or a remote API
// (OpenAI-compatible).
//
// Session concurrency is grounded on `golang.org/x/sync/semaphore`
// (the teacher has no in-process session pool of its own: it proxies to
// externally-scaled Kubernetes pods, so there is nothing to bound
// in-process). The native-call front's error signature follows DESIGN
// NOTES' "thread-local exception state inside native bridge -> explicit
// ErrorBuf output parameter" guidance (see errorbuf.go).
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/matrixinfer-ai/infercore/pkg/provider"
	"github.com/matrixinfer-ai/infercore/pkg/reliability"
	"github.com/matrixinfer-ai/infercore/pkg/types"
)

// Backend is the native/remote call front a concrete provider package
// (openai, gguf, libtorch) supplies once a session is warmed for a
// specific (tenant, model).
type Backend interface {
	Infer(ctx context.Context, req types.InferenceRequest) (types.InferenceResponse, error)
	Stream(ctx context.Context, req types.InferenceRequest) (<-chan types.StreamChunk, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	Warmup(ctx context.Context, reqs []types.InferenceRequest) error
	Close() error
}

// BackendFactory loads/initializes a Backend for one (tenant, model)
// pair. Concrete provider packages supply one of these to NewProvider.
type BackendFactory func(ctx context.Context, tenantID, modelID string) (Backend, error)

// Session is a warmed runner bound to (tenantId, modelId, providerId),
// per spec §4.2. It owns a bounded semaphore enforcing at-most-N
// concurrent native calls, FIFO by acquisition order (the semaphore
// package's own guarantee).
type Session struct {
	tenantID, modelID string
	backend           Backend
	sem               *semaphore.Weighted
	health            *healthWindow
	envelope          *reliability.Envelope

	mu       sync.Mutex
	lastUsed time.Time
	closed   bool
}

// Infer blocks until a native slot is free, then executes req under the
// provider's reliability envelope.
func (s *Session) Infer(ctx context.Context, req types.InferenceRequest) (types.InferenceResponse, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return types.InferenceResponse{}, err
	}
	defer s.sem.Release(1)

	resp, err := reliability.Call(ctx, s.envelope, func(ctx context.Context) (types.InferenceResponse, error) {
		return s.backend.Infer(ctx, req)
	})
	s.recordOutcome(err)
	s.touch()
	return resp, err
}

// Stream blocks until a native slot is free, then returns a finite,
// not-restartable channel of StreamChunk. The reliability envelope wraps
// only the call that opens the stream; per spec §7, retries must not occur
// once any chunk has been emitted, so mid-stream failures surface as a
// terminal chunk, not a retried call.
func (s *Session) Stream(ctx context.Context, req types.InferenceRequest) (<-chan types.StreamChunk, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	ch, err := reliability.Call(ctx, s.envelope, func(ctx context.Context) (<-chan types.StreamChunk, error) {
		return s.backend.Stream(ctx, req)
	})
	s.recordOutcome(err)
	s.touch()
	if err != nil {
		s.sem.Release(1)
		return nil, err
	}

	out := make(chan types.StreamChunk)
	go func() {
		defer s.sem.Release(1)
		defer close(out)
		for chunk := range ch {
			out <- chunk
		}
	}()
	return out, nil
}

// Embed blocks until a native slot is free, then embeds text.
func (s *Session) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	v, err := reliability.Call(ctx, s.envelope, func(ctx context.Context) ([]float32, error) {
		return s.backend.Embed(ctx, text)
	})
	s.recordOutcome(err)
	s.touch()
	return v, err
}

// Warmup pays first-token latency eagerly after load.
func (s *Session) Warmup(ctx context.Context, reqs []types.InferenceRequest) error {
	return s.backend.Warmup(ctx, reqs)
}

func (s *Session) recordOutcome(err error) {
	s.health.record(err == nil)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastUsed)
}

func (s *Session) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.backend.Close()
}

// Config describes one provider's static configuration (spec §6's
// `provider.<id>.*` keys) plus the capability set it publishes.
type Config struct {
	ID                    string
	Version               string
	DeviceHint            string
	CostPerToken          float64
	MaxConcurrentRequests int64
	MaxRetries            int
	Capabilities          types.Capabilities
	Reliability           reliability.Config
	Supports              func(modelID, tenantID string) bool
}

// Provider is the concrete, generic implementation of provider.Provider
// for any backend family: it owns one reliability envelope (so circuit
// breaker state is shared across every session of this provider, matching
// spec §4.3's per-provider breaker) and a session cache keyed by
// (tenant, model).
type Provider struct {
	cfg      Config
	envelope *reliability.Envelope
	factory  BackendFactory

	mu       sync.Mutex
	sessions map[sessionKey]*Session
}

type sessionKey struct {
	tenantID, modelID string
}

// NewProvider builds a Provider around factory, ready for registration
// into a pkg/provider.Registry.
func NewProvider(cfg Config, factory BackendFactory) *Provider {
	if cfg.Supports == nil {
		cfg.Supports = func(modelID, tenantID string) bool { return true }
	}
	return &Provider{
		cfg:      cfg,
		envelope: reliability.New(cfg.ID, cfg.Reliability),
		factory:  factory,
		sessions: make(map[sessionKey]*Session),
	}
}

func (p *Provider) ID() string      { return p.cfg.ID }
func (p *Provider) Version() string { return p.cfg.Version }
func (p *Provider) Supports(modelID, tenantID string) bool {
	return p.cfg.Supports(modelID, tenantID)
}
func (p *Provider) DeviceHint() string    { return p.cfg.DeviceHint }
func (p *Provider) CostPerToken() float64 { return p.cfg.CostPerToken }
func (p *Provider) BreakerOpen() bool     { return p.envelope.BreakerOpen() }

// Descriptor reports the worst health among this provider's live sessions
// (a provider is only as healthy as its most troubled session).
func (p *Provider) Descriptor() types.ProviderDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()

	worst := types.HealthHealthy
	for _, s := range p.sessions {
		switch s.health.state() {
		case types.HealthUnhealthy:
			worst = types.HealthUnhealthy
		case types.HealthDegraded:
			if worst == types.HealthHealthy {
				worst = types.HealthDegraded
			}
		}
	}
	return types.ProviderDescriptor{
		ID:           p.cfg.ID,
		Version:      p.cfg.Version,
		Capabilities: p.cfg.Capabilities,
		Health:       worst,
	}
}

var _ provider.Provider = (*Provider)(nil)

// GetSession returns a ready session for (tenantID, modelID), initializing
// one on miss with one attempt plus up to MaxRetries retries. Returns nil with a wrapped
// error if initialization fails on every attempt (spec §4.2).
func (p *Provider) GetSession(ctx context.Context, tenantID, modelID string) (*Session, error) {
	key := sessionKey{tenantID, modelID}

	p.mu.Lock()
	if s, ok := p.sessions[key]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	var lastErr error
	maxRetries := p.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	for attempt := 0; attempt <= maxRetries; attempt++ {
		backend, err := p.factory(ctx, tenantID, modelID)
		if err == nil {
			s := &Session{
				tenantID: tenantID,
				modelID:  modelID,
				backend:  backend,
				sem:      semaphore.NewWeighted(maxInt64(p.cfg.MaxConcurrentRequests, 1)),
				health:   &healthWindow{},
				envelope: p.envelope,
				lastUsed: time.Now(),
			}
			p.mu.Lock()
			if existing, ok := p.sessions[key]; ok {
				p.mu.Unlock()
				_ = backend.Close()
				return existing, nil
			}
			p.sessions[key] = s
			p.mu.Unlock()
			return s, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("runtime: session init failed for tenant=%s model=%s after %d attempts: %w", tenantID, modelID, maxRetries+1, lastErr)
}

// ResetBreaker replaces this provider's reliability envelope with a fresh
// one built from cfg, force-closing the circuit breaker. Existing sessions
// keep their semaphore and health window; only the shared envelope pointer
// is swapped, matching pkg/gateway's "force closed" verb for the provider
// circuit-breaker reset endpoint.
func (p *Provider) ResetBreaker(cfg reliability.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Reliability = cfg
	p.envelope = reliability.New(p.cfg.ID, cfg)
	for _, s := range p.sessions {
		s.envelope = p.envelope
	}
}

// Shutdown closes every session's native handles.
func (p *Provider) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for key, s := range p.sessions {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.sessions, key)
	}
	return firstErr
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
