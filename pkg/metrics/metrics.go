// Package metrics exposes node health as Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "combsync"

// Metrics holds the node's collectors
type Metrics struct {
	rpcTotal    *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec
	contacts    prometheus.Gauge
	values      prometheus.Gauge
	sockets     *prometheus.GaugeVec
	evictions   prometheus.Counter
	blacklisted prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		rpcTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Outgoing RPCs by message kind and outcome.",
		}, []string{"kind", "outcome"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "duration_seconds",
			Help:      "Outgoing RPC latency by message kind.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"kind"}),
		contacts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "contacts",
			Help:      "Contacts in the routing table.",
		}),
		values: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "values",
			Help:      "Entries in the local value store.",
		}),
		sockets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "sockets",
			Help:      "Pooled sockets by state.",
		}, []string{"state"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "evictions_total",
			Help:      "Contacts evicted from the routing table.",
		}),
		blacklisted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "blacklisted_hosts",
			Help:      "Hosts currently blacklisted as malfactors.",
		}),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.rpcTotal, m.rpcDuration, m.contacts, m.values, m.sockets, m.evictions, m.blacklisted,
	}
}

// ObserveRPC records one outgoing RPC
func (m *Metrics) ObserveRPC(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.rpcTotal.WithLabelValues(kind, outcome).Inc()
	m.rpcDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// SetContacts records the routing table size
func (m *Metrics) SetContacts(n int) {
	if m == nil {
		return
	}
	m.contacts.Set(float64(n))
}

// SetValues records the value store size
func (m *Metrics) SetValues(n int) {
	if m == nil {
		return
	}
	m.values.Set(float64(n))
}

// SetSockets records pooled sockets by state name
func (m *Metrics) SetSockets(byState map[string]int) {
	if m == nil {
		return
	}
	for state, n := range byState {
		m.sockets.WithLabelValues(state).Set(float64(n))
	}
}

// IncEvictions counts an eviction
func (m *Metrics) IncEvictions() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

// SetBlacklisted records the number of blacklisted hosts
func (m *Metrics) SetBlacklisted(n int) {
	if m == nil {
		return
	}
	m.blacklisted.Set(float64(n))
}
