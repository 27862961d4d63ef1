package lease

import "github.com/prometheus/client_golang/prometheus"

// Metrics exports lease table activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	leases      prometheus.Gauge
	freePorts   prometheus.Gauge
	allocations prometheus.Counter
	renewals    *prometheus.CounterVec
	expirations prometheus.Counter
	failures    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		leases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "port_lease",
			Name:      "leases",
			Help:      "Leases held in the lease table, including expired ones not yet reclaimed.",
		}),
		freePorts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "port_lease",
			Name:      "free_ports",
			Help:      "Ports available for allocation.",
		}),
		allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "port_lease",
			Name:      "allocations_total",
			Help:      "Ports handed out to clients without an active lease.",
		}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "port_lease",
			Name:      "renewals_total",
			Help:      "Cutoff refreshes of active leases.",
		}, []string{"op"}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "port_lease",
			Name:      "expirations_total",
			Help:      "Expired leases whose port was reclaimed.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "port_lease",
			Name:      "failures_total",
			Help:      "Failed lease operations by kind.",
		}, []string{"op", "kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.leases, m.freePorts, m.allocations, m.renewals, m.expirations, m.failures)
	}
	return m
}

func (m *Metrics) observePool(leases, free int) {
	if m == nil {
		return
	}
	m.leases.Set(float64(leases))
	m.freePorts.Set(float64(free))
}

func (m *Metrics) allocated() {
	if m == nil {
		return
	}
	m.allocations.Inc()
}

func (m *Metrics) renewed(op string) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(op).Inc()
}

func (m *Metrics) expired() {
	if m == nil {
		return
	}
	m.expirations.Inc()
}

func (m *Metrics) failed(op string, kind Kind) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(op, string(kind)).Inc()
}
