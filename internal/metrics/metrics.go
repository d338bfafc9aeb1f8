// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the interception core's counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metrics of the interception core.
type Metrics struct {
	// Classification results per layer ("connection", "packet") and action.
	Classifications *prometheus.CounterVec

	// Policy round trips
	RequestsSent     prometheus.Counter
	VerdictsReceived *prometheus.CounterVec
	UnknownVerdicts  prometheus.Counter
	PendingPackets   prometheus.Gauge

	// Connection cache
	Connections      *prometheus.GaugeVec
	ConnectionsEnded *prometheus.CounterVec

	// Redirection
	Redirects       *prometheus.CounterVec
	InjectFailures  prometheus.Counter
	PendFailures    prometheus.Counter
	EventsDropped   prometheus.Counter
	BandwidthBytes  *prometheus.CounterVec
	RuleCounters    *prometheus.GaugeVec
	RulePacketsRate *prometheus.GaugeVec
}

// NewMetrics creates the metric set. Nothing is registered yet.
func NewMetrics() *Metrics {
	return &Metrics{
		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_classifications_total",
			Help: "Total number of classification decisions",
		}, []string{"layer", "action"}),

		RequestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_policy_requests_total",
			Help: "Total number of connection decision requests sent to policy",
		}),
		VerdictsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_policy_verdicts_total",
			Help: "Total number of verdicts received from policy",
		}, []string{"verdict"}),
		UnknownVerdicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_policy_unknown_verdicts_total",
			Help: "Total number of verdicts that referenced an unknown pending id",
		}),
		PendingPackets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowguard_pending_packets",
			Help: "Number of packets waiting for a verdict",
		}),

		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowguard_connections",
			Help: "Number of cached connection records",
		}, []string{"family"}),
		ConnectionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_connections_ended_total",
			Help: "Total number of connections ended",
		}, []string{"reason"}),

		Redirects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_redirects_total",
			Help: "Total number of packets redirected",
		}, []string{"verdict", "direction"}),
		InjectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_inject_failures_total",
			Help: "Total number of packets that could not be rewritten or injected",
		}),
		PendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_pend_failures_total",
			Help: "Total number of classifications that could not be pended",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_events_dropped_total",
			Help: "Total number of events that could not be queued for policy",
		}),
		BandwidthBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_bandwidth_bytes_total",
			Help: "Total number of bytes accounted to firewalled flows",
		}, []string{"protocol", "direction"}),

		RuleCounters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowguard_rule_packets",
			Help: "Packet counters of the interception ruleset",
		}, []string{"rule"}),
		RulePacketsRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowguard_rule_packets_per_second",
			Help: "Packet rate of the interception ruleset",
		}, []string{"rule"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Classifications,
		m.RequestsSent,
		m.VerdictsReceived,
		m.UnknownVerdicts,
		m.PendingPackets,
		m.Connections,
		m.ConnectionsEnded,
		m.Redirects,
		m.InjectFailures,
		m.PendFailures,
		m.EventsDropped,
		m.BandwidthBytes,
		m.RuleCounters,
		m.RulePacketsRate,
	}
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// NewRegistry returns a registry holding m and the Go runtime collectors.
func NewRegistry(m *Metrics) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(m)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}
