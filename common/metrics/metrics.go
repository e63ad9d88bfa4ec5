package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine holds the prometheus collectors for engine throughput
type Engine struct {
	InstancesStarted   prometheus.Counter
	InstancesCompleted prometheus.Counter
	InstancesFailed    prometheus.Counter
	ActiveTokens       prometheus.Gauge
	TimerFirings       prometheus.Counter
	MessagesDelivered  prometheus.Counter
	SignalsBroadcast   prometheus.Counter
	Compensations      prometheus.Counter
}

// NewEngine registers and returns the engine collectors
func NewEngine() *Engine {
	return &Engine{
		InstancesStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "engine_instances_started_total",
			Help: "Process instances started",
		}),
		InstancesCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "engine_instances_completed_total",
			Help: "Process instances completed",
		}),
		InstancesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "engine_instances_failed_total",
			Help: "Process instances that ended in ERROR",
		}),
		ActiveTokens: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "engine_active_tokens",
			Help: "Tokens currently in ACTIVE state",
		}),
		TimerFirings: promauto.NewCounter(prometheus.CounterOpts{
			Name: "engine_timer_firings_total",
			Help: "Timer events fired",
		}),
		MessagesDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "engine_messages_delivered_total",
			Help: "Messages correlated to waiting subscriptions",
		}),
		SignalsBroadcast: promauto.NewCounter(prometheus.CounterOpts{
			Name: "engine_signals_broadcast_total",
			Help: "Signal broadcasts",
		}),
		Compensations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "engine_compensations_total",
			Help: "Compensation handlers executed",
		}),
	}
}
