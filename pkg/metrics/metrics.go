// Package metrics implements the observability collector (spec §2 item
// 10, promoted to a first-class package by SPEC_FULL.md §4.11): counters
// and histograms for admission, batching, provider calls, breaker
// transitions, and KV-cache occupancy, plus a sliding-window SLI
// burn-rate calculator.
//
// Grounded directly on the teacher's
// `pkg/infer-router/metrics/metrics.go`: the label-name constants, the
// promauto-registered CounterVec/HistogramVec/GaugeVec struct shape are
// carried over close to
// verbatim, generalized from the teacher's HTTP-proxy labels (model, path,
// statusCode) to this package's request labels (model, tenant, stage,
// provider, success).
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values used across the vectors below.
const (
	LabelModel      = "model"
	LabelTenant     = "tenant"
	LabelStage      = "stage"
	LabelProvider   = "provider"
	LabelSuccess    = "success"
	LabelErrorClass = "error_class"
	LabelFrom       = "from"
	LabelTo         = "to"
	LabelReason     = "reason"
	LabelStrategy   = "strategy"
	LabelState      = "state"
)

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds every Prometheus metric the execution plane publishes.
// It owns its own registry (rather than registering against the global
// default registry) so more than one Metrics instance can exist in a
// process, e.g. one per test.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	ErrorsTotal    *prometheus.CounterVec

	BreakerTransitions *prometheus.CounterVec

	KVCacheFreeBlocks  prometheus.Gauge
	KVCacheTotalBlocks prometheus.Gauge

	QuotaRejections *prometheus.CounterVec

	BatchQueueDepth     *prometheus.GaugeVec
	BatchRunningBatches *prometheus.GaugeVec

	AsyncJobsByState *prometheus.GaugeVec

	burn *BurnRateTracker
}

// New builds a Metrics instance registered against a fresh registry.
// sloTarget is the target success ratio (e.g. 0.999) the burn-rate
// calculator measures error budget consumption against.
func New(sloTarget float64) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "infercore_requests_total",
			Help: "Total number of requests dispatched to a provider.",
		}, []string{LabelModel, LabelTenant, LabelStage, LabelProvider, LabelSuccess}),

		RequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "infercore_request_duration_seconds",
			Help:    "End-to-end provider dispatch latency.",
			Buckets: durationBuckets,
		}, []string{LabelModel, LabelTenant, LabelStage}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "infercore_errors_total",
			Help: "Total number of failed dispatches by error class.",
		}, []string{LabelModel, LabelTenant, LabelProvider, LabelErrorClass}),

		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "infercore_breaker_transitions_total",
			Help: "Circuit breaker state transitions per provider.",
		}, []string{LabelProvider, LabelFrom, LabelTo}),

		KVCacheFreeBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "infercore_kvcache_free_blocks",
			Help: "Free physical blocks remaining in the KV-cache pool.",
		}),
		KVCacheTotalBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "infercore_kvcache_total_blocks",
			Help: "Total physical blocks configured for the KV-cache pool.",
		}),

		QuotaRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "infercore_quota_rejections_total",
			Help: "Admission rejections by tenant and gate.",
		}, []string{LabelTenant, LabelReason}),

		BatchQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "infercore_batch_queue_depth",
			Help: "Requests currently queued by the batch scheduler.",
		}, []string{LabelStrategy}),
		BatchRunningBatches: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "infercore_batch_running_batches",
			Help: "Batches currently executing against a provider.",
		}, []string{LabelStrategy}),

		AsyncJobsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "infercore_async_jobs",
			Help: "Async jobs currently in each state.",
		}, []string{LabelState}),

		burn: NewBurnRateTracker(sloTarget, 5*time.Minute, 60),
	}
}

// Registry exposes the underlying Prometheus registry for an HTTP
// /metrics handler (promhttp.HandlerFor(m.Registry(), ...)).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordInference implements orchestrator.MetricsPublisher: one outcome
// event per dispatched request, tagged with model/tenant/stage/provider
// and (on failure) error_class.
func (m *Metrics) RecordInference(tags map[string]string, latencyMs int64, success bool) {
	model, tenant, stage, provider := tags[LabelModel], tags[LabelTenant], tags[LabelStage], tags[LabelProvider]

	m.RequestsTotal.WithLabelValues(model, tenant, stage, provider, strconv.FormatBool(success)).Inc()
	m.RequestLatency.WithLabelValues(model, tenant, stage).Observe(float64(latencyMs) / 1000)
	if !success {
		m.ErrorsTotal.WithLabelValues(model, tenant, provider, tags[LabelErrorClass]).Inc()
	}
	m.burn.Observe(success)
}

// RecordBreakerTransition records one circuit-breaker state change (spec
// §4.4: "Observable: every transition emits a metric event").
func (m *Metrics) RecordBreakerTransition(provider, from, to string) {
	m.BreakerTransitions.WithLabelValues(provider, from, to).Inc()
}

// SetKVCacheOccupancy publishes the pool's current free/total block
// counts; callers poll pkg/kvcache.BlockPool.FreeCount/TotalBlocks on an
// interval and forward the result here.
func (m *Metrics) SetKVCacheOccupancy(free, total int) {
	m.KVCacheFreeBlocks.Set(float64(free))
	m.KVCacheTotalBlocks.Set(float64(total))
}

// RecordQuotaRejection records an admission rejection at one of the three
// quota gates (rate, concurrency, budget) or the plugin pipeline.
func (m *Metrics) RecordQuotaRejection(tenant, reason string) {
	m.QuotaRejections.WithLabelValues(tenant, reason).Inc()
}

// SetBatchMetrics publishes the scheduler's current queue depth and
// running-batch count for strategy.
func (m *Metrics) SetBatchMetrics(strategy string, queueDepth, runningBatches int) {
	m.BatchQueueDepth.WithLabelValues(strategy).Set(float64(queueDepth))
	m.BatchRunningBatches.WithLabelValues(strategy).Set(float64(runningBatches))
}

// SetAsyncJobState publishes the current count of async jobs in state.
func (m *Metrics) SetAsyncJobState(state string, count int) {
	m.AsyncJobsByState.WithLabelValues(state).Set(float64(count))
}

// BurnRate returns the current error-budget burn rate: 1.0 means the
// window is failing exactly at the SLO's allowed error rate; >1.0 means
// the budget is being consumed faster than sustainable.
func (m *Metrics) BurnRate() float64 {
	return m.burn.BurnRate()
}
