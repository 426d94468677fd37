// Package metrics exposes Prometheus counters/gauges for queries served,
// RCODE breakdown, and XFR attempts/failures/serial, one CounterVec or
// GaugeVec per dimension, called directly from the resolver and xfr
// packages since this core has no middleware chain to hang a Handle off
// of.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter/gauge this server exposes. The zero value
// is not usable; construct with New.
type Metrics struct {
	QueriesTotal   *prometheus.CounterVec // labels: qtype, rcode
	TCPPoolInUse   prometheus.Gauge
	TCPPoolWaiting prometheus.Gauge

	XFRAttemptsTotal *prometheus.CounterVec // labels: zone, kind (axfr/ixfr)
	XFRFailuresTotal *prometheus.CounterVec // labels: zone, reason
	XFRSerial        *prometheus.GaugeVec   // labels: zone
	ZoneState        *prometheus.GaugeVec   // labels: zone, state (0=ok,1=refreshing,2=expired)

	NotifyOutTotal *prometheus.CounterVec // labels: zone, result
	TSIGFailures   *prometheus.CounterVec // labels: zone, reason

	ControlCertReloadsTotal *prometheus.CounterVec // labels: channel, result
}

// New constructs and registers every metric against reg. Pass
// prometheus.DefaultRegisterer for global registration, or a fresh
// *prometheus.Registry in tests to avoid cross-test collisions.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nsd_queries_total",
			Help: "Authoritative queries processed, by query type and response code.",
		}, []string{"qtype", "rcode"}),

		TCPPoolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nsd_xfr_tcp_pool_in_use",
			Help: "XFR TCP connections currently held from the bounded pool.",
		}),
		TCPPoolWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nsd_xfr_tcp_pool_waiting",
			Help: "Zones waiting (FIFO) for a free XFR TCP connection slot.",
		}),

		XFRAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nsd_xfr_attempts_total",
			Help: "XFR attempts, by zone and transfer kind.",
		}, []string{"zone", "kind"}),
		XFRFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nsd_xfr_failures_total",
			Help: "XFR attempts that failed, by zone and reason.",
		}, []string{"zone", "reason"}),
		XFRSerial: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nsd_xfr_serial",
			Help: "Last durably committed SOA serial, by zone.",
		}, []string{"zone"}),
		ZoneState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nsd_zone_state",
			Help: "Current XFR state machine state (0=ok,1=refreshing,2=expired), by zone.",
		}, []string{"zone"}),

		NotifyOutTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nsd_notify_out_total",
			Help: "Outgoing NOTIFY attempts, by zone and result.",
		}, []string{"zone", "result"}),
		TSIGFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nsd_tsig_failures_total",
			Help: "TSIG verification failures during XFR, by zone and reason.",
		}, []string{"zone", "reason"}),

		ControlCertReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nsd_control_cert_reloads_total",
			Help: "TLS certificate reload attempts for a watched channel, by channel label and result.",
		}, []string{"channel", "result"}),
	}

	for _, c := range []prometheus.Collector{
		m.QueriesTotal, m.TCPPoolInUse, m.TCPPoolWaiting,
		m.XFRAttemptsTotal, m.XFRFailuresTotal, m.XFRSerial, m.ZoneState,
		m.NotifyOutTotal, m.TSIGFailures, m.ControlCertReloadsTotal,
	} {
		_ = reg.Register(c)
	}

	return m
}

// ZoneStateGauge values matching state machine, kept here
// so callers set ZoneState with a named constant instead of a bare 0/1/2.
const (
	ZoneStateOK         = 0
	ZoneStateRefreshing = 1
	ZoneStateExpired    = 2
)
