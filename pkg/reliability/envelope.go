// Package reliability wraps every provider call with the bulkhead ->
// timeout -> retry -> circuit-breaker stack from spec §4.4.
//
// The circuit breaker is grounded directly on `github.com/sony/gobreaker/v2`
// (used throughout the retrieved pack's service manifests wherever a
// resilient outbound call is described); bulkhead concurrency is grounded
// on `golang.org/x/sync/semaphore`, the same bounded-admission primitive
// the teacher's session pools would need but never implement themselves
// (the teacher delegates concurrency entirely to Kubernetes pod
// autoscaling). Retry backoff shape (exponential, jittered) is grounded on
// `hashicorp/go-retryablehttp`'s `DefaultBackoff`, reimplemented here
// rather than imported since retryablehttp is HTTP-transport-specific and
// this envelope wraps arbitrary provider calls, not HTTP round trips.
package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sony/gobreaker/v2"

	"github.com/matrixinfer-ai/infercore/internal/errs"
)

// Config holds the per-provider reliability policy, matching the
// `circuitBreaker.*` config keys in spec §6.
type Config struct {
	BulkheadSize      int64
	BulkheadQueueSize int64
	CallTimeout       time.Duration

	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryFactor    float64
	RetryJitter    float64 // fraction, e.g. 0.25 for ±25%

	RequestVolumeThreshold uint32
	FailureRatio           float64
	OpenDuration           time.Duration
	HalfOpenSuccessThresh  uint32

	// OnStateChange, if set, is invoked on every breaker transition (spec
	// §4.4: "every transition emits a metric event"). pkg/gateway wires
	// this to pkg/metrics.Metrics.RecordBreakerTransition.
	OnStateChange func(name string, from, to string)
}

// DefaultConfig returns spec §4.4's stated defaults.
func DefaultConfig() Config {
	return Config{
		BulkheadSize:           32,
		BulkheadQueueSize:      64,
		CallTimeout:            30 * time.Second,
		MaxRetries:             2,
		RetryBaseDelay:         100 * time.Millisecond,
		RetryFactor:            2,
		RetryJitter:            0.25,
		RequestVolumeThreshold: 20,
		FailureRatio:           0.5,
		OpenDuration:           30 * time.Second,
		HalfOpenSuccessThresh:  3,
	}
}

// ErrOverloaded is returned when BulkheadSize+BulkheadQueueSize calls are
// already in flight (spec §4.4 step 1).
var ErrOverloaded = errs.New(errs.ClassOverloaded, "reliability.bulkhead", "", "bulkhead and queue both full", nil)

// Envelope wraps calls to a single provider with bulkhead admission, a
// per-call timeout, retry-with-backoff, and a circuit breaker. One
// Envelope is constructed per registered provider.
type Envelope struct {
	cfg Config

	// bulkhead has BulkheadSize+BulkheadQueueSize slots taken with
	// TryAcquire in Call. Every admitted call runs at once: there is no
	// separate waiting queue, so up to BulkheadSize+BulkheadQueueSize calls
	// can be in flight together, and the next one fails with ErrOverloaded.
	bulkhead *semaphore.Weighted

	breaker *gobreaker.CircuitBreaker[any]

	nowFunc func() time.Time
}

// New builds an Envelope for one provider's calls.
func New(name string, cfg Config) *Envelope {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenSuccessThresh,
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.RequestVolumeThreshold {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(name, from.String(), to.String())
		}
	}

	return &Envelope{
		cfg:      cfg,
		bulkhead: semaphore.NewWeighted(cfg.BulkheadSize + cfg.BulkheadQueueSize),
		breaker:  gobreaker.NewCircuitBreaker[any](settings),
		nowFunc:  time.Now,
	}
}

// BreakerOpen reports whether the circuit breaker is currently in the Open
// state, consulted by pkg/provider's router to exclude this provider from
// selection.
func (e *Envelope) BreakerOpen() bool {
	return e.breaker.State() == gobreaker.StateOpen
}

// isRetryable reports whether callWithRetry may retry err (spec §4.2's
// failure classification). The circuit breaker does not use it: every
// failed call counts toward the breaker's failure ratio.
func isRetryable(err error) bool {
	var e *errs.Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Call runs fn under the full bulkhead/timeout/retry/breaker stack. fn
// must itself honor ctx cancellation for the timeout tier to be effective.
func Call[T any](ctx context.Context, e *Envelope, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if !e.bulkhead.TryAcquire(1) {
		return zero, ErrOverloaded
	}
	defer e.bulkhead.Release(1)

	wrapped := func(ctx context.Context) (any, error) {
		v, err := fn(ctx)
		return v, err
	}
	result, err := e.breaker.Execute(func() (any, error) {
		return e.callWithRetry(ctx, wrapped)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, errs.New(errs.ClassProviderUnavailable, "reliability.breaker", "", "circuit breaker open", err)
		}
		return zero, err
	}
	return result.(T), nil
}

func (e *Envelope) callWithRetry(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.backoff(attempt)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		v, err := fn(callCtx)
		cancel()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// backoff computes attempt N's delay as base*factor^(attempt-1), jittered
// by ±jitter fraction, mirroring retryablehttp.DefaultBackoff's shape.
func (e *Envelope) backoff(attempt int) time.Duration {
	base := float64(e.cfg.RetryBaseDelay) * math.Pow(e.cfg.RetryFactor, float64(attempt-1))
	if e.cfg.RetryJitter <= 0 {
		return time.Duration(base)
	}
	jitter := base * e.cfg.RetryJitter
	delta := (rand.Float64()*2 - 1) * jitter
	return time.Duration(base + delta)
}
