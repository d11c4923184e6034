package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Circuit state gauge values exposed per endpoint.
const (
	CircuitClosed      = 0
	CircuitOpen        = 1
	CircuitRateLimited = 2
)

var (
	rpcRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blossom_rpc_requests_total",
		Help: "Total RPC attempts per endpoint, split by terminal outcome.",
	}, []string{"endpoint", "method", "outcome"})

	rpcDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blossom_rpc_request_duration_seconds",
		Help:    "Latency of individual RPC attempts.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "method"})

	circuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "blossom_rpc_circuit_state",
		Help: "Per-endpoint breaker state: 0 closed, 1 open, 2 rate limited.",
	}, []string{"endpoint"})

	executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blossom_executions_total",
		Help: "Finished plan executions by terminal outcome.",
	}, []string{"outcome"})

	executionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blossom_execution_duration_seconds",
		Help:    "End-to-end execution latency from intake to terminal state.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 15, 30, 60, 120},
	}, []string{"outcome"})

	policyDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blossom_policy_denials_total",
		Help: "Policy denials by structured decision code.",
	}, []string{"code"})

	confirmations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blossom_confirmation_duration_seconds",
		Help:    "Time from submission to terminal receipt status.",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90},
	}, []string{"status"})

	intakeEnvelopes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blossom_intake_envelopes_total",
		Help: "Plan envelopes consumed from the intake queue, by handling result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		rpcRequests,
		rpcDuration,
		circuitState,
		executions,
		executionDuration,
		policyDenials,
		confirmations,
		intakeEnvelopes,
	)
}

// ObserveRPCAttempt records one RPC attempt against a specific endpoint.
func ObserveRPCAttempt(endpoint, method, outcome string, duration time.Duration) {
	rpcRequests.WithLabelValues(endpoint, method, outcome).Inc()
	rpcDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// SetCircuitState publishes the current breaker state for an endpoint.
func SetCircuitState(endpoint string, state float64) {
	circuitState.WithLabelValues(endpoint).Set(state)
}

// ObserveExecution records a finished execution and its latency.
func ObserveExecution(outcome string, duration time.Duration) {
	executions.WithLabelValues(outcome).Inc()
	executionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObservePolicyDenial counts a structured policy denial.
func ObservePolicyDenial(code string) {
	policyDenials.WithLabelValues(code).Inc()
}

// ObserveConfirmation records how long a submission took to reach a
// terminal receipt status.
func ObserveConfirmation(status string, duration time.Duration) {
	confirmations.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveIntake counts one consumed intake envelope.
func ObserveIntake(result string) {
	intakeEnvelopes.WithLabelValues(result).Inc()
}
