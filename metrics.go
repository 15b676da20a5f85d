package mflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RunMetrics aggregates run-level measurements.
type RunMetrics struct {
	StartedAt      time.Time
	CompletedAt    time.Time
	Duration       time.Duration
	MaxConcurrency int
	NodesTotal     int
	NodesRun       int
	NodesCached    int
	NodesFailed    int
	NodesBlocked   int
	Evictions      int
}

// Metrics exports scheduler activity to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	nodes        *prometheus.CounterVec
	evictions    *prometheus.CounterVec
	inflight     prometheus.Gauge
	runDuration  *prometheus.HistogramVec
	nodeDuration *prometheus.HistogramVec
}

// NewMetrics creates the scheduler collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		nodes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mflow_nodes_total",
				Help: "Scheduled nodes by final outcome.",
			},
			[]string{"backend", "status"},
		),
		evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mflow_evictions_total",
				Help: "Nodes whose cached outputs were reclaimed.",
			},
			[]string{"backend"},
		),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mflow_inflight_nodes",
			Help: "Nodes currently executing on a worker.",
		}),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mflow_run_duration_seconds",
				Help:    "Workflow run latencies in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mflow_node_duration_seconds",
				Help:    "Node execution latencies in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
	}

	for _, c := range []prometheus.Collector{m.nodes, m.evictions, m.inflight, m.runDuration, m.nodeDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeNode(backend Backend, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodes.WithLabelValues(string(backend), outcome).Inc()
	if d > 0 {
		m.nodeDuration.WithLabelValues(string(backend)).Observe(d.Seconds())
	}
}

func (m *Metrics) observeEviction(backend Backend) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(string(backend)).Inc()
}

func (m *Metrics) addInflight(delta float64) {
	if m == nil {
		return
	}
	m.inflight.Add(delta)
}

func (m *Metrics) observeRun(backend Backend, d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(string(backend)).Observe(d.Seconds())
}
