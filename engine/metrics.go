package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exposes the Prometheus counters/gauges/histogram
// SPEC_FULL.md §10.2 names, grounded on the teacher's PrometheusMetrics
// (graph/metrics.go): same factory-based construction against a supplied
// registry, same enable/disable testing hooks.
type PrometheusMetrics struct {
	tasksStarted       *prometheus.CounterVec
	outcomesRecorded   *prometheus.CounterVec
	gateEvaluations    *prometheus.CounterVec
	activeDetours      prometheus.Gauge
	txLatency          *prometheus.HistogramVec
	flowsBlocked       *prometheus.CounterVec

	enabled bool
}

// NewPrometheusMetrics registers every flowspec_* metric with registry. A nil
// registry uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,
		tasksStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowspec_tasks_started_total",
			Help: "Cumulative count of tasks started across all flows.",
		}, []string{"workflow_id"}),
		outcomesRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowspec_outcomes_recorded_total",
			Help: "Cumulative count of outcomes stamped, labeled by workflow and outcome name.",
		}, []string{"workflow_id", "outcome"}),
		gateEvaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowspec_gate_evaluations_total",
			Help: "Cumulative count of gate routing evaluations.",
		}, []string{"workflow_id"}),
		activeDetours: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowspec_active_detours",
			Help: "Current count of ACTIVE DetourRecords across all flows.",
		}),
		txLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowspec_flow_transaction_latency_ms",
			Help:    "Progression Engine transaction duration in milliseconds.",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		}, []string{"operation"}),
		flowsBlocked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowspec_flows_blocked_total",
			Help: "Cumulative count of flows transitioned to BLOCKED, labeled by reason.",
		}, []string{"reason"}),
	}
}

func (m *PrometheusMetrics) recordTaskStarted(workflowID string) {
	if m == nil || !m.enabled {
		return
	}
	m.tasksStarted.WithLabelValues(workflowID).Inc()
}

func (m *PrometheusMetrics) recordOutcome(workflowID, outcome string) {
	if m == nil || !m.enabled {
		return
	}
	m.outcomesRecorded.WithLabelValues(workflowID, outcome).Inc()
}

func (m *PrometheusMetrics) recordGateEvaluation(workflowID string) {
	if m == nil || !m.enabled {
		return
	}
	m.gateEvaluations.WithLabelValues(workflowID).Inc()
}

func (m *PrometheusMetrics) setActiveDetours(n int) {
	if m == nil || !m.enabled {
		return
	}
	m.activeDetours.Set(float64(n))
}

func (m *PrometheusMetrics) observeTxLatency(operation string, d time.Duration) {
	if m == nil || !m.enabled {
		return
	}
	m.txLatency.WithLabelValues(operation).Observe(float64(d.Milliseconds()))
}

func (m *PrometheusMetrics) recordFlowBlocked(reason string) {
	if m == nil || !m.enabled {
		return
	}
	m.flowsBlocked.WithLabelValues(reason).Inc()
}

// Disable stops metric recording without unregistering collectors, useful in
// tests that construct many short-lived engines against one registry.
func (m *PrometheusMetrics) Disable() { m.enabled = false }

// Enable re-enables metric recording after Disable.
func (m *PrometheusMetrics) Enable() { m.enabled = true }
