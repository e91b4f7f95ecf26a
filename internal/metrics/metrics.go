// Package metrics exposes the Prometheus counters and gauges mapiproxy
// tracks: connection counts, bytes shuttled in each direction, and pcap
// packets processed. cmd/mapiproxy registers these with an
// http.Handler("/metrics") only when --metrics-addr is given; the rest of
// the code updates them unconditionally since a counter nobody scrapes is
// free.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector mapiproxy registers. It's a value, not
// package-level globals, so tests can construct their own registry
// instead of polluting prometheus.DefaultRegisterer.
type Metrics struct {
	ConnectionsTotal     prometheus.Counter
	ConnectionsActive    prometheus.Gauge
	ConnectFailuresTotal prometheus.Counter
	BytesTotal           *prometheus.CounterVec
	DiscardedBytesTotal  *prometheus.CounterVec
	PcapPacketsTotal     *prometheus.CounterVec
	PcapFlowsActive      prometheus.Gauge
}

// New builds a Metrics bundle and registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mapiproxy",
			Name:      "connections_total",
			Help:      "Total number of client connections accepted.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mapiproxy",
			Name:      "connections_active",
			Help:      "Number of currently open proxied connections.",
		}),
		ConnectFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mapiproxy",
			Name:      "connect_failures_total",
			Help:      "Total number of failed attempts to reach the upstream server.",
		}),
		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mapiproxy",
			Name:      "bytes_total",
			Help:      "Total bytes forwarded, labeled by direction.",
		}, []string{"direction"}),
		DiscardedBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mapiproxy",
			Name:      "discarded_bytes_total",
			Help:      "Total bytes discarded after a half-close, labeled by direction.",
		}, []string{"direction"}),
		PcapPacketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mapiproxy",
			Name:      "pcap_packets_total",
			Help:      "Total packets processed while dissecting a capture file, labeled by outcome.",
		}, []string{"outcome"}),
		PcapFlowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mapiproxy",
			Name:      "pcap_flows_active",
			Help:      "Number of TCP flows currently tracked while dissecting a capture file.",
		}),
	}
	reg.MustRegister(
		m.ConnectionsTotal,
		m.ConnectionsActive,
		m.ConnectFailuresTotal,
		m.BytesTotal,
		m.DiscardedBytesTotal,
		m.PcapPacketsTotal,
		m.PcapFlowsActive,
	)
	return m
}

// NewUnregistered is like New but against a fresh, private registry; handy
// for tests and for command invocations (e.g. pcap mode) that don't serve
// /metrics but still want the counters updated and inspectable.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
