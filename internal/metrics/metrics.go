// Package metrics provides Prometheus metrics for the fleet risk manager.
// It covers request interception decisions, reconciliation progress, config
// overrides and bot API health, exposed on the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Interceptor
	InterceptDecisions *prometheus.CounterVec // entry requests by outcome: forwarded, resized, denied, fail_open
	PolicyDenials      *prometheus.CounterVec // denials by violation code
	FailOpen           *prometheus.CounterVec // advisory failures passed through, by stage

	// Reconciliation
	TradesProcessed *prometheus.CounterVec // ledger trades handled, by instance
	Corrections     *prometheus.CounterVec // position-size corrections by result
	ExitActions     *prometheus.CounterVec // take-profit / trailing exits by kind and result
	DCAPlanned      prometheus.Counter     // DCA orders appended to logs
	TickDuration    prometheus.Histogram   // reconcile tick latency
	Watermark       *prometheus.GaugeVec   // last processed trade id per instance
	Halted          *prometheus.GaugeVec   // 1 while an instance is paused or emergency-stopped

	// Config overrides
	ConfigWrites *prometheus.CounterVec // bot config writes by result: ok, skipped, refused, error

	// Bot API
	UpstreamErrors *prometheus.CounterVec // bot API failures by kind

	// System
	ManagersCached prometheus.Gauge
	ErrorsTotal    prometheus.Counter
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics on a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		InterceptDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_decisions_total",
			Help: "Entry requests seen by the interceptor by outcome",
		}, []string{"outcome"}),
		PolicyDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_denials_total",
			Help: "Entry requests denied by policy code",
		}, []string{"code"}),
		FailOpen: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fail_open_total",
			Help: "Advisory computations that failed and passed the request through",
		}, []string{"stage"}),
		TradesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_trades_processed_total",
			Help: "Ledger trades processed by the reconciliation loop",
		}, []string{"instance"}),
		Corrections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_corrections_total",
			Help: "Position size corrections by result",
		}, []string{"result"}),
		ExitActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exit_actions_total",
			Help: "Exit actions emitted by feature modules",
		}, []string{"kind", "result"}),
		DCAPlanned: factory.NewCounter(prometheus.CounterOpts{
			Name: "dca_orders_planned_total",
			Help: "DCA orders appended to position logs",
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "reconcile_tick_duration_seconds",
			Help:    "Duration of one reconciliation tick",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		Watermark: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reconcile_watermark",
			Help: "Highest trade id processed per instance",
		}, []string{"instance"}),
		Halted: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "instance_halted",
			Help: "1 while trading is halted for the instance",
		}, []string{"instance", "reason"}),
		ConfigWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "config_writes_total",
			Help: "Bot config file writes by result",
		}, []string{"result"}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_errors_total",
			Help: "Bot API call failures by kind",
		}, []string{"kind"}),
		ManagersCached: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_managers_cached",
			Help: "Instance managers currently held in the cache",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
	}
}
