package clients

import "github.com/prometheus/client_golang/prometheus"

// Breaker metrics register globally rather than through a service collector
// because pkg/clients is linked into both binaries and carries no service
// name of its own.
var (
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbound_breaker_state",
			Help: "Outbound circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
	breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_breaker_transitions_total",
			Help: "Outbound circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)

func init() {
	prometheus.MustRegister(breakerState, breakerTransitions)
}

func recordBreakerState(name string, state CircuitBreakerState) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

func recordBreakerTransition(name string, from, to CircuitBreakerState) {
	recordBreakerState(name, to)
	breakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
}
