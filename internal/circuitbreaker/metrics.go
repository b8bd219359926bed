package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// The pipeline only ever runs one circuit breaker (guarding the session
// manager's Redis backing store), so unlike a shared library serving
// many independent callers there is no per-service registry here:
// CircuitBreaker records its own transitions directly against these
// collectors, keyed only by breaker name.
var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_circuit_breaker_requests_total",
			Help: "Total number of requests through the circuit breaker, by outcome",
		},
		[]string{"name", "result"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_circuit_breaker_state_changes_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)
)

func recordState(name string, s State) {
	breakerState.WithLabelValues(name).Set(float64(s))
}

func recordRequest(name string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	breakerRequests.WithLabelValues(name, result).Inc()
}

func recordStateChange(name string, from, to State) {
	breakerStateChanges.WithLabelValues(name, from.String(), to.String()).Inc()
}
