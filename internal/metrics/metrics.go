// Package metrics exposes Prometheus collectors for the remediation controller.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RemediationsByState is the number of tracked records per state.
	RemediationsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tb_recovery_remediations",
			Help: "Number of remediation records by state",
		},
		[]string{"state"},
	)

	// TransitionsTotal counts state changes.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tb_recovery_transitions_total",
			Help: "Total number of remediation state transitions",
		},
		[]string{"from", "to"},
	)

	// TicksTotal counts control loop ticks by result.
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tb_recovery_ticks_total",
			Help: "Total number of control loop ticks by result",
		},
		[]string{"result"},
	)

	// TickDuration measures how long a tick takes end to end.
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tb_recovery_tick_duration_seconds",
			Help:    "Duration of one detect and reconcile tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// GovernorActive is the number of slots held per failure domain.
	GovernorActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tb_recovery_governor_active",
			Help: "Active remediations per failure domain",
		},
		[]string{"domain"},
	)

	// DetectionsTotal counts newly detected failures.
	DetectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tb_recovery_detections_total",
			Help: "Total number of pods detected with volume affinity conflicts",
		},
	)

	// OperatorActionsTotal counts gateway calls by action and result.
	OperatorActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tb_recovery_operator_actions_total",
			Help: "Total number of operator actions by action and result",
		},
		[]string{"action", "result"},
	)
)

func init() {
	prometheus.MustRegister(RemediationsByState)
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(TicksTotal)
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(GovernorActive)
	prometheus.MustRegister(DetectionsTotal)
	prometheus.MustRegister(OperatorActionsTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetStateCounts replaces the per-state gauge with counts.
func SetStateCounts(counts map[string]int) {
	RemediationsByState.Reset()
	for state, n := range counts {
		RemediationsByState.WithLabelValues(state).Set(float64(n))
	}
}

// SetGovernor replaces the per-domain gauge with active counts.
func SetGovernor(active map[string]int) {
	GovernorActive.Reset()
	for domain, n := range active {
		GovernorActive.WithLabelValues(domain).Set(float64(n))
	}
}
