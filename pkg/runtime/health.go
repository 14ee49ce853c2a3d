package runtime

import (
	"sync"

	"github.com/matrixinfer-ai/infercore/pkg/types"
)

// healthWindow tracks the last 10 call outcomes for one provider/session,
// classifying health per spec §4.2: degraded at >20% failures, unhealthy
// at >50%, both over the trailing 10 calls.
type healthWindow struct {
	mu      sync.Mutex
	results [10]bool
	count   int
	pos     int
}

func (h *healthWindow) record(success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results[h.pos] = success
	h.pos = (h.pos + 1) % len(h.results)
	if h.count < len(h.results) {
		h.count++
	}
}

func (h *healthWindow) failureRatio() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < h.count; i++ {
		if !h.results[i] {
			failures++
		}
	}
	return float64(failures) / float64(h.count)
}

func (h *healthWindow) state() types.HealthState {
	ratio := h.failureRatio()
	switch {
	case ratio > 0.5:
		return types.HealthUnhealthy
	case ratio > 0.2:
		return types.HealthDegraded
	default:
		return types.HealthHealthy
	}
}
