package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	payoutMetricsOnce sync.Once
	payoutRegistry    *PayoutMetrics

	sweepMetricsOnce sync.Once
	sweepRegistry    *SweepMetrics

	reconcileMetricsOnce sync.Once
	reconcileRegistry    *ReconcileMetrics
)

// LedgerMetrics tracks inbound payment recording.
type LedgerMetrics struct {
	recorded *prometheus.CounterVec
}

// Ledger returns the lazily-initialised ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			recorded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ico",
				Subsystem: "ledger",
				Name:      "payments_recorded_total",
				Help:      "Count of inbound payment notifications recorded, segmented by currency and lifecycle stage.",
			}, []string{"currency", "stage"}),
		}
		prometheus.MustRegister(ledgerRegistry.recorded)
	})
	return ledgerRegistry
}

// RecordPayment increments the recorded counter. Stage should be a stable
// string such as "new", "stable" or "duplicate".
func (m *LedgerMetrics) RecordPayment(currency, stage string) {
	if m == nil {
		return
	}
	m.recorded.WithLabelValues(labelCurrency(currency), stage).Inc()
}

// PayoutMetrics wraps collectors tracking token issuance health.
type PayoutMetrics struct {
	issued       *prometheus.CounterVec
	issuedTokens *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	errors       *prometheus.CounterVec
	pauseEngaged prometheus.Gauge
}

// Payout exposes the metrics registry for the payout dispatcher.
func Payout() *PayoutMetrics {
	payoutMetricsOnce.Do(func() {
		payoutRegistry = &PayoutMetrics{
			issued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ico",
				Subsystem: "payout",
				Name:      "issued_total",
				Help:      "Count of successful token issuances segmented by currency.",
			}, []string{"currency"}),
			issuedTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ico",
				Subsystem: "payout",
				Name:      "issued_tokens_total",
				Help:      "Total token quantity issued segmented by currency.",
			}, []string{"currency"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ico",
				Subsystem: "payout",
				Name:      "latency_seconds",
				Help:      "Latency distribution for completed payouts.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"currency"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ico",
				Subsystem: "payout",
				Name:      "errors_total",
				Help:      "Count of payout failures segmented by currency and reason.",
			}, []string{"currency", "reason"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "ico",
				Subsystem: "payout",
				Name:      "pause_engaged",
				Help:      "Indicates whether the payout pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			payoutRegistry.issued,
			payoutRegistry.issuedTokens,
			payoutRegistry.latency,
			payoutRegistry.errors,
			payoutRegistry.pauseEngaged,
		)
	})
	return payoutRegistry
}

// RecordIssued counts a successful issuance of the given token quantity.
func (m *PayoutMetrics) RecordIssued(currency string, tokens int64, d time.Duration) {
	if m == nil {
		return
	}
	label := labelCurrency(currency)
	m.issued.WithLabelValues(label).Inc()
	if tokens > 0 {
		m.issuedTokens.WithLabelValues(label).Add(float64(tokens))
	}
	m.latency.WithLabelValues(label).Observe(d.Seconds())
}

// RecordError increments the error counter for the supplied reason.
func (m *PayoutMetrics) RecordError(currency, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.errors.WithLabelValues(labelCurrency(currency), reason).Inc()
}

// SetPause toggles the pause_engaged gauge.
func (m *PayoutMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// SweepMetrics tracks treasury accumulation runs.
type SweepMetrics struct {
	runs   *prometheus.CounterVec
	swept  *prometheus.CounterVec
	errors *prometheus.CounterVec
}

// Sweep exposes the metrics registry for the accumulation sweepers.
func Sweep() *SweepMetrics {
	sweepMetricsOnce.Do(func() {
		sweepRegistry = &SweepMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ico",
				Subsystem: "sweep",
				Name:      "runs_total",
				Help:      "Count of accumulation runs segmented by network and outcome.",
			}, []string{"network", "outcome"}),
			swept: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ico",
				Subsystem: "sweep",
				Name:      "transfers_total",
				Help:      "Count of consolidating transfers issued per network.",
			}, []string{"network"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ico",
				Subsystem: "sweep",
				Name:      "errors_total",
				Help:      "Count of accumulation failures segmented by network.",
			}, []string{"network"}),
		}
		prometheus.MustRegister(sweepRegistry.runs, sweepRegistry.swept, sweepRegistry.errors)
	})
	return sweepRegistry
}

// RecordRun counts a completed run. Outcome should be "swept", "skipped" or
// "error".
func (m *SweepMetrics) RecordRun(network, outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(labelCurrency(network), outcome).Inc()
}

// RecordTransfer counts an issued consolidating transfer.
func (m *SweepMetrics) RecordTransfer(network string) {
	if m == nil {
		return
	}
	m.swept.WithLabelValues(labelCurrency(network)).Inc()
}

// RecordError counts a failed accumulation attempt.
func (m *SweepMetrics) RecordError(network string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(labelCurrency(network)).Inc()
}

// ReconcileMetrics tracks the conservation invariant check.
type ReconcileMetrics struct {
	difference prometheus.Gauge
	mismatches prometheus.Counter
}

// Reconcile exposes the metrics registry for the reconciliation monitor.
func Reconcile() *ReconcileMetrics {
	reconcileMetricsOnce.Do(func() {
		reconcileRegistry = &ReconcileMetrics{
			difference: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "ico",
				Subsystem: "reconcile",
				Name:      "supply_difference",
				Help:      "Difference between accounted tokens (treasury remaining + paid out) and total supply.",
			}),
			mismatches: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ico",
				Subsystem: "reconcile",
				Name:      "mismatches_total",
				Help:      "Count of conservation check runs that detected a mismatch.",
			}),
		}
		prometheus.MustRegister(reconcileRegistry.difference, reconcileRegistry.mismatches)
	})
	return reconcileRegistry
}

// RecordCheck records the outcome of a conservation check.
func (m *ReconcileMetrics) RecordCheck(difference int64) {
	if m == nil {
		return
	}
	m.difference.Set(float64(difference))
	if difference != 0 {
		m.mismatches.Inc()
	}
}

func labelCurrency(currency string) string {
	trimmed := strings.TrimSpace(currency)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}
