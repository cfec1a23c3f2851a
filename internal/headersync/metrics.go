package headersync

import "github.com/prometheus/client_golang/prometheus"

// MetricsSubsystem prefixes every metric exported by the scheduler.
const MetricsSubsystem = "headersync"

// Metrics holds the scheduler's Prometheus collectors.
type Metrics struct {
	HeadersAccepted  prometheus.Counter
	HeadersDuplicate prometheus.Counter
	HeadersOrphaned  prometheus.Counter
	PeerRejects      *prometheus.CounterVec
	Reorgs           prometheus.Counter
	ReorgsRefused    prometheus.Counter
	RequestTimeouts  prometheus.Counter
	ActiveHeight     prometheus.Gauge
	InFlight         prometheus.Gauge
}

// NewMetrics creates unregistered collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		HeadersAccepted:  counter("headers_accepted_total", "Headers linked into the header tree."),
		HeadersDuplicate: counter("headers_duplicate_total", "Headers received that were already known."),
		HeadersOrphaned:  counter("headers_orphaned_total", "Headers buffered because their parent was unknown."),
		PeerRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peer_rejects_total",
			Help:      "Peers rejected, by reason.",
		}, []string{"reason"}),
		Reorgs:          counter("tip_changes_total", "Changes of the active tip, extensions included."),
		ReorgsRefused:   counter("reorgs_refused_total", "Heavier branches refused by the reorg depth limit."),
		RequestTimeouts: counter("request_timeouts_total", "Header requests that timed out."),
		ActiveHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "active_height",
			Help:      "Height of the active chain tip.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "requests_in_flight",
			Help:      "Header requests awaiting a response.",
		}),
	}
}

// Collectors returns every collector for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.HeadersAccepted, m.HeadersDuplicate, m.HeadersOrphaned,
		m.PeerRejects, m.Reorgs, m.ReorgsRefused, m.RequestTimeouts,
		m.ActiveHeight, m.InFlight,
	}
}

// Register adds the collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
