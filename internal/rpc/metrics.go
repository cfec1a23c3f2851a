package rpc

import "github.com/prometheus/client_golang/prometheus"

// MetricsSubsystem prefixes every metric exported by the RPC server.
const MetricsSubsystem = "rpc"

// Metrics holds the RPC server's Prometheus collectors.
type Metrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics creates unregistered collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "requests_total",
			Help:      "JSON-RPC calls by method and outcome.",
		}, []string{"method", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "request_duration_seconds",
			Help:      "Time spent handling JSON-RPC calls.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"method"}),
	}
}

// Register adds the collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Requests, m.Duration} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
