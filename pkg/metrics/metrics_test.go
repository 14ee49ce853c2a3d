package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordInference(t *testing.T) {
	m := New(0.99)

	m.RecordInference(map[string]string{
		LabelModel: "llama-3-8b", LabelTenant: "t1", LabelStage: "COMBINED", LabelProvider: "gguf-a",
	}, 120, true)
	m.RecordInference(map[string]string{
		LabelModel: "llama-3-8b", LabelTenant: "t1", LabelStage: "COMBINED", LabelProvider: "gguf-a",
		LabelErrorClass: "Timeout",
	}, 30000, false)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	var sawRequests, sawErrors bool
	for _, f := range families {
		switch f.GetName() {
		case "infercore_requests_total":
			sawRequests = true
		case "infercore_errors_total":
			sawErrors = true
		}
	}
	assert.True(t, sawRequests)
	assert.True(t, sawErrors)
}

func TestBreakerTransitionAndOccupancy(t *testing.T) {
	m := New(0.999)
	m.RecordBreakerTransition("openai", "Closed", "Open")
	m.SetKVCacheOccupancy(12, 64)
	m.RecordQuotaRejection("t1", "rate")
	m.SetBatchMetrics("DYNAMIC", 4, 1)
	m.SetAsyncJobState("QUEUED", 3)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestBurnRateTracker(t *testing.T) {
	fakeNow := time.Now()
	tr := NewBurnRateTracker(0.99, time.Minute, 6)
	tr.now = func() time.Time { return fakeNow }

	for i := 0; i < 98; i++ {
		tr.Observe(true)
	}
	for i := 0; i < 2; i++ {
		tr.Observe(false)
	}

	// observed failure ratio 2/100 = 0.02, allowed is 1-0.99 = 0.01 -> burn rate 2.0
	assert.InDelta(t, 2.0, tr.BurnRate(), 0.01)

	fakeNow = fakeNow.Add(2 * time.Minute)
	assert.Equal(t, 0.0, tr.BurnRate())
}

func TestBurnRateTrackerNoObservations(t *testing.T) {
	tr := NewBurnRateTracker(0.999, time.Minute, 4)
	assert.Equal(t, 0.0, tr.BurnRate())
}
