package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lpwatch"

// Metrics holds the scheduler's Prometheus collectors.
type Metrics struct {
	CyclesTotal         prometheus.Counter
	CycleDuration       prometheus.Histogram
	LastCycleTimestamp  prometheus.Gauge
	UnitsTotal          *prometheus.CounterVec
	PositionsEvaluated  *prometheus.CounterVec
	PositionsBurned     *prometheus.CounterVec
	StatusChanges       *prometheus.CounterVec
	NotificationsSent   *prometheus.CounterVec
	NotificationsFailed *prometheus.CounterVec
	UpstreamRetries     *prometheus.CounterVec
}

// NewMetrics registers the scheduler collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycles_total",
			Help:      "Total number of completed monitoring cycles",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one monitoring cycle",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		LastCycleTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time the last cycle finished",
		}),
		UnitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "units_total",
			Help:      "User and protocol units processed, by outcome",
		}, []string{"protocol", "outcome"}),
		PositionsEvaluated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "positions_evaluated_total",
			Help:      "Positions valued during cycles",
		}, []string{"protocol"}),
		PositionsBurned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "positions_burned_total",
			Help:      "Positions found burned on chain",
		}, []string{"protocol"}),
		StatusChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "status_changes_total",
			Help:      "Range status transitions detected",
		}, []string{"protocol"}),
		NotificationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "sent_total",
			Help:      "Direct messages delivered, by kind",
		}, []string{"kind"}),
		NotificationsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "failed_total",
			Help:      "Direct messages that could not be delivered, by kind",
		}, []string{"kind"}),
		UpstreamRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "upstream_retries_total",
			Help:      "Retried outbound calls, by operation",
		}, []string{"op"}),
	}
}
