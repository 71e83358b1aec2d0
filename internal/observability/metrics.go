package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "coopmsg_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "coopmsg_enqueue_total", Help: "Dispatch queue enqueue results"},
		[]string{"result"},
	)
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "coopmsg_session_transitions_total", Help: "Channel session state transitions"},
		[]string{"from", "to"},
	)
	GatewaySend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "coopmsg_gateway_send_total", Help: "Gateway send outcomes"},
		[]string{"result", "http_status"},
	)
	GatewayLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "coopmsg_gateway_send_latency_seconds", Help: "Gateway send latency"},
	)
	DispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "coopmsg_dispatch_outcomes_total", Help: "Per-recipient delivery outcomes"},
		[]string{"result", "error_kind"},
	)
	DispatchSuspensions = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "coopmsg_dispatch_suspensions_total", Help: "Times dispatch suspended waiting for the channel"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Enqueues, SessionTransitions, GatewaySend, GatewayLatency, DispatchOutcomes, DispatchSuspensions)
}
