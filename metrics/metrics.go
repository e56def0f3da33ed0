// Package metrics holds the Prometheus collectors updated by the bridge
// core. They are registered with the default registry in init() and served
// at /metrics when the CLI is started with --metrics-addr.
//
//	tradebridge_bridge_inflight               jobs running on the bridge pool
//	tradebridge_retry_attempts_total{op}      failed attempts that were retried
//	tradebridge_retry_exhausted_total{op}     operations that ran out of attempts
//	tradebridge_connect_attempts_total{result}
//	tradebridge_session_connected             1 while the session is up
//	tradebridge_orders_total{op,result}       open|close|modify by outcome
//	tradebridge_trailing_adjustments_total{result}
//	tradebridge_monitor_iterations_total
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BridgeInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradebridge_bridge_inflight",
			Help: "Blocking calls currently running on the bridge pool.",
		},
	)

	RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradebridge_retry_attempts_total",
			Help: "Failed attempts that were followed by another attempt.",
		},
		[]string{"op"},
	)

	RetryExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradebridge_retry_exhausted_total",
			Help: "Operations that failed on every attempt.",
		},
		[]string{"op"},
	)

	ConnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradebridge_connect_attempts_total",
			Help: "Connection sequences run, by result.",
		},
		[]string{"result"},
	)

	SessionConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradebridge_session_connected",
			Help: "1 while the backend session is established.",
		},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradebridge_orders_total",
			Help: "Trade commands by operation and result.",
		},
		[]string{"op", "result"}, // result: ok|rejected|error|invalid
	)

	TrailingAdjustments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradebridge_trailing_adjustments_total",
			Help: "Trailing stop submissions by result.",
		},
		[]string{"result"}, // result: moved|rejected|error
	)

	MonitorIterations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradebridge_monitor_iterations_total",
			Help: "Position monitor passes completed.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		BridgeInFlight,
		RetryAttempts,
		RetryExhausted,
		ConnectAttempts,
		SessionConnected,
		Orders,
		TrailingAdjustments,
		MonitorIterations,
	)
}
