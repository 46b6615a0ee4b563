// Package metrics holds the Prometheus instruments for the pipeline. One
// Metrics value is created at startup and threaded through the subsystems;
// every method is nil-safe so tests can pass nil.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument the pipeline emits.
type Metrics struct {
	StageLatency        *prometheus.HistogramVec
	EmergencyAccept     prometheus.Histogram
	EmergencyAcceptLate prometheus.Counter
	GuardVerdicts       *prometheus.CounterVec
	Classifications     *prometheus.CounterVec
	IntentLatency       prometheus.Histogram
	IntentFailures      *prometheus.CounterVec
	AdapterResults      *prometheus.CounterVec
	AdapterBusy         prometheus.Counter
	ActiveIncidents     prometheus.Gauge
	ConfirmTimeouts     prometheus.Counter
}

// New creates and registers all instruments on the default registry.
func New() *Metrics {
	return &Metrics{
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "companion_stage_latency_seconds",
			Help:    "Latency of each pipeline stage per utterance",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"stage"}),
		EmergencyAccept: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "companion_emergency_accept_seconds",
			Help:    "Wall time from emergency classification to fan-out acceptance",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5},
		}),
		EmergencyAcceptLate: promauto.NewCounter(prometheus.CounterOpts{
			Name: "companion_emergency_accept_late_total",
			Help: "Emergencies whose accept exceeded the policy budget",
		}),
		GuardVerdicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "companion_guard_verdicts_total",
			Help: "Guard verdicts by stage and decision",
		}, []string{"stage", "decision"}),
		Classifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "companion_rules_classifications_total",
			Help: "Rules engine outcomes by kind",
		}, []string{"kind"}),
		IntentLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "companion_intent_latency_seconds",
			Help:    "LLM intent stage latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		IntentFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "companion_intent_failures_total",
			Help: "LLM intent failures by reason",
		}, []string{"reason"}),
		AdapterResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "companion_adapter_results_total",
			Help: "Terminal adapter job outcomes by kind and result",
		}, []string{"kind", "result"}),
		AdapterBusy: promauto.NewCounter(prometheus.CounterOpts{
			Name: "companion_adapter_busy_total",
			Help: "Jobs rejected because an adapter queue was full",
		}),
		ActiveIncidents: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "companion_active_incidents",
			Help: "Incidents currently in a non-terminal state",
		}),
		ConfirmTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "companion_confirm_timeouts_total",
			Help: "High-risk actions discarded because the confirmation window expired",
		}),
	}
}

// ObserveStage records one stage latency.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveEmergencyAccept records an accept latency and whether it was late.
func (m *Metrics) ObserveEmergencyAccept(d time.Duration, late bool) {
	if m == nil {
		return
	}
	m.EmergencyAccept.Observe(d.Seconds())
	if late {
		m.EmergencyAcceptLate.Inc()
	}
}

// IncGuardVerdict counts a guard decision.
func (m *Metrics) IncGuardVerdict(stage, decision string) {
	if m == nil {
		return
	}
	m.GuardVerdicts.WithLabelValues(stage, decision).Inc()
}

// IncClassification counts a rules outcome.
func (m *Metrics) IncClassification(kind string) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(kind).Inc()
}

// ObserveIntent records one LLM stage latency.
func (m *Metrics) ObserveIntent(d time.Duration) {
	if m == nil {
		return
	}
	m.IntentLatency.Observe(d.Seconds())
}

// IncIntentFailure counts an intent failure by reason.
func (m *Metrics) IncIntentFailure(reason string) {
	if m == nil {
		return
	}
	m.IntentFailures.WithLabelValues(reason).Inc()
}

// IncAdapterResult counts a terminal adapter outcome.
func (m *Metrics) IncAdapterResult(kind, result string) {
	if m == nil {
		return
	}
	m.AdapterResults.WithLabelValues(kind, result).Inc()
}

// IncAdapterBusy counts a queue-full rejection.
func (m *Metrics) IncAdapterBusy() {
	if m == nil {
		return
	}
	m.AdapterBusy.Inc()
}

// SetActiveIncidents publishes the live incident count.
func (m *Metrics) SetActiveIncidents(n int) {
	if m == nil {
		return
	}
	m.ActiveIncidents.Set(float64(n))
}

// IncConfirmTimeout counts a confirmation window expiry.
func (m *Metrics) IncConfirmTimeout() {
	if m == nil {
		return
	}
	m.ConfirmTimeouts.Inc()
}
