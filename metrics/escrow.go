package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics tracks engine activity: distributions, idempotent replays,
// accrual sweeps, reconciliation findings, and webhook delivery health.
type EscrowMetrics struct {
	distributions *prometheus.CounterVec
	replays       *prometheus.CounterVec
	disputesOpen  prometheus.Gauge
	sweepSwept    prometheus.Gauge
	sweepSkipped  prometheus.Gauge
	sweepErrors   prometheus.Counter
	sweepDuration prometheus.Histogram
	reconAnomaly  *prometheus.GaugeVec
	webhookDepth  prometheus.Gauge
	webhookFailed *prometheus.CounterVec
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the lazily-initialised engine metrics registry.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			distributions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_distributions_total",
				Help: "Count of distribution attempts by operation and outcome.",
			}, []string{"operation", "outcome"}),
			replays: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_idempotent_replays_total",
				Help: "Count of requests answered from the idempotency guard by operation.",
			}, []string{"operation"}),
			disputesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "escrow_disputes_open",
				Help: "Number of currently open disputes.",
			}),
			sweepSwept: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "escrow_sweep_accrued",
				Help: "Escrows accrued during the last sweep pass.",
			}),
			sweepSkipped: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "escrow_sweep_skipped",
				Help: "Escrows skipped during the last sweep pass (locked or inside a compound period).",
			}),
			sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_sweep_errors_total",
				Help: "Cumulative accrual failures across sweep passes.",
			}),
			sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "escrow_sweep_duration_seconds",
				Help:    "Wall-clock duration of accrual sweep passes.",
				Buckets: prometheus.DefBuckets,
			}),
			reconAnomaly: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "escrow_recon_anomalies",
				Help: "Anomalies found by the latest reconciliation run, by type.",
			}, []string{"type"}),
			webhookDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "escrow_webhook_queue_depth",
				Help: "Webhooks currently waiting for delivery.",
			}),
			webhookFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_webhook_failures_total",
				Help: "Number of failed webhook delivery attempts by destination.",
			}, []string{"destination"}),
		}
		prometheus.MustRegister(
			escrowRegistry.distributions,
			escrowRegistry.replays,
			escrowRegistry.disputesOpen,
			escrowRegistry.sweepSwept,
			escrowRegistry.sweepSkipped,
			escrowRegistry.sweepErrors,
			escrowRegistry.sweepDuration,
			escrowRegistry.reconAnomaly,
			escrowRegistry.webhookDepth,
			escrowRegistry.webhookFailed,
		)
	})
	return escrowRegistry
}

// RecordDistribution counts one distribution attempt. Outcome is one of
// success, partial, paused, replayed, rejected, error.
func (m *EscrowMetrics) RecordDistribution(operation, outcome string) {
	if m == nil {
		return
	}
	m.distributions.WithLabelValues(normalizeLabel(operation), normalizeLabel(outcome)).Inc()
}

// RecordReplay counts a request answered from the idempotency guard.
func (m *EscrowMetrics) RecordReplay(operation string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(normalizeLabel(operation)).Inc()
}

// SetOpenDisputes publishes the current open dispute count.
func (m *EscrowMetrics) SetOpenDisputes(count int) {
	if m == nil {
		return
	}
	m.disputesOpen.Set(float64(count))
}

// RecordSweep publishes the outcome of one accrual sweep pass.
func (m *EscrowMetrics) RecordSweep(accrued, skipped, errored int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sweepSwept.Set(float64(accrued))
	m.sweepSkipped.Set(float64(skipped))
	if errored > 0 {
		m.sweepErrors.Add(float64(errored))
	}
	m.sweepDuration.Observe(elapsed.Seconds())
}

// SetReconAnomalies publishes the latest reconciliation finding count for one
// anomaly type.
func (m *EscrowMetrics) SetReconAnomalies(anomalyType string, count int) {
	if m == nil {
		return
	}
	m.reconAnomaly.WithLabelValues(normalizeLabel(anomalyType)).Set(float64(count))
}

// SetWebhookQueueDepth publishes the outbox backlog size.
func (m *EscrowMetrics) SetWebhookQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.webhookDepth.Set(float64(depth))
}

// RecordWebhookFailure counts one failed delivery attempt.
func (m *EscrowMetrics) RecordWebhookFailure(destination string) {
	if m == nil {
		return
	}
	dest := strings.TrimSpace(destination)
	if dest == "" {
		dest = "unknown"
	}
	m.webhookFailed.WithLabelValues(dest).Inc()
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
