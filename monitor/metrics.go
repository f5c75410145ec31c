package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors fed by the queue processor.
type Metrics struct {
	ActiveLeases    prometheus.Gauge
	QueueDepth      prometheus.Gauge
	TerminalTotal   *prometheus.CounterVec
	DispatchSeconds prometheus.Histogram
}

// NewMetrics creates and registers the collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docevaluator",
			Name:      "queue_active_leases",
			Help:      "Number of responses currently leased for processing.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docevaluator",
			Name:      "queue_depth",
			Help:      "Number of QUEUED responses awaiting a lease.",
		}),
		TerminalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docevaluator",
			Name:      "responses_terminal_total",
			Help:      "Responses reaching a terminal status, by status.",
		}, []string{"status"}),
		DispatchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docevaluator",
			Name:      "dispatch_duration_seconds",
			Help:      "Latency of analyzer dispatch calls.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.ActiveLeases, m.QueueDepth, m.TerminalTotal, m.DispatchSeconds)
	return m
}
