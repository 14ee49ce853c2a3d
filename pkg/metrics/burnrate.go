package metrics

import (
	"sync"
	"time"
)

// BurnRateTracker computes an SLI error-budget burn rate over a sliding
// window of fixed-width buckets, supplementing spec.md's bare "SLI/burn-rate"
// mention (§2 item 10) with a concrete sliding-window approach. Not
// grounded on a specific teacher file (the teacher has no SLO tracking of
// its own); the bucketed-ring-buffer shape follows the same
// mutex-guarded-small-struct style used throughout this package's
// siblings (pkg/kvcache.BlockPool, pkg/quota.Admitter).
type BurnRateTracker struct {
	mu         sync.Mutex
	sloTarget  float64 // target success ratio, e.g. 0.999
	bucketSpan time.Duration
	buckets    []bucket
	head       int
	lastRotate time.Time
	now        func() time.Time
}

type bucket struct {
	total  int64
	failed int64
}

// NewBurnRateTracker builds a tracker over window, split into numBuckets
// equal-width buckets (the oldest bucket is dropped and a fresh one opened
// each time the window rolls forward by one bucket span).
func NewBurnRateTracker(sloTarget float64, window time.Duration, numBuckets int) *BurnRateTracker {
	if numBuckets <= 0 {
		numBuckets = 1
	}
	return &BurnRateTracker{
		sloTarget:  sloTarget,
		bucketSpan: window / time.Duration(numBuckets),
		buckets:    make([]bucket, numBuckets),
		lastRotate: time.Now(),
		now:        time.Now,
	}
}

// Observe records one outcome (success or failure) at the current time.
func (t *BurnRateTracker) Observe(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rotateLocked()
	t.buckets[t.head].total++
	if !success {
		t.buckets[t.head].failed++
	}
}

// rotateLocked advances the ring buffer's head by however many bucket
// spans have elapsed since the last rotation, clearing each newly-entered
// bucket. Must be called with t.mu held.
func (t *BurnRateTracker) rotateLocked() {
	if t.bucketSpan <= 0 {
		return
	}
	elapsed := t.now().Sub(t.lastRotate)
	steps := int(elapsed / t.bucketSpan)
	if steps <= 0 {
		return
	}
	if steps > len(t.buckets) {
		steps = len(t.buckets)
	}
	for i := 0; i < steps; i++ {
		t.head = (t.head + 1) % len(t.buckets)
		t.buckets[t.head] = bucket{}
	}
	t.lastRotate = t.lastRotate.Add(time.Duration(steps) * t.bucketSpan)
}

// BurnRate returns the ratio of the window's observed failure rate to the
// failure rate the SLO target allows. A value of 2.0 means the error
// budget is being consumed twice as fast as the SLO permits; a window
// with no observations returns 0.
func (t *BurnRateTracker) BurnRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rotateLocked()

	var total, failed int64
	for _, b := range t.buckets {
		total += b.total
		failed += b.failed
	}
	if total == 0 {
		return 0
	}

	allowedFailureRatio := 1 - t.sloTarget
	if allowedFailureRatio <= 0 {
		if failed > 0 {
			return 1
		}
		return 0
	}
	observedFailureRatio := float64(failed) / float64(total)
	return observedFailureRatio / allowedFailureRatio
}
