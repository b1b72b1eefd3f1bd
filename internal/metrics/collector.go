// Package scadametrics exposes supervisor Prometheus metrics.
package scadametrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "goscada"
	subsystem = "supervisor"
)

// Label names for supervisor metrics.
const (
	labelKind     = "kind"
	labelProtocol = "protocol"
	labelReason   = "reason"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Supervisor Metrics
// -------------------------------------------------------------------------

// Collector holds all supervisor Prometheus metrics.
//
// Session gauges track live peers per role; packet counters track comms
// volume and drops; trip counters record safety actions for alerting.
type Collector struct {
	// Sessions tracks currently linked sessions per kind.
	Sessions *prometheus.GaugeVec

	// PacketsSent counts frames transmitted per protocol family.
	PacketsSent *prometheus.CounterVec

	// PacketsReceived counts valid frames received per protocol family.
	PacketsReceived *prometheus.CounterVec

	// PacketsDropped counts frames dropped (decode failure, orphan,
	// distance, replay) per protocol family.
	PacketsDropped *prometheus.CounterVec

	// AuthFailures counts frame authentication failures.
	AuthFailures prometheus.Counter

	// WatchdogTimeouts counts session watchdog expirations per kind.
	WatchdogTimeouts *prometheus.CounterVec

	// ScramTrips counts auto-SCRAM trips per reason.
	ScramTrips *prometheus.CounterVec

	// ProcessMode exports the facility auto-control mode as a gauge.
	ProcessMode prometheus.Gauge
}

// NewCollector creates a Collector with all supervisor metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "goscada_supervisor_" prefix to avoid collisions
// with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.PacketsSent,
		c.PacketsReceived,
		c.PacketsDropped,
		c.AuthFailures,
		c.WatchdogTimeouts,
		c.ScramTrips,
		c.ProcessMode,
	)

	return c
}

// newMetrics constructs the metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Currently linked sessions per peer kind.",
		}, []string{labelKind}),

		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Frames transmitted per protocol family.",
		}, []string{labelProtocol}),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Valid frames received per protocol family.",
		}, []string{labelProtocol}),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Frames dropped before session delivery per protocol family.",
		}, []string{labelProtocol}),

		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Frame authentication failures (bad MAC, stale, replay).",
		}),

		WatchdogTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "watchdog_timeouts_total",
			Help:      "Session watchdog expirations per peer kind.",
		}, []string{labelKind}),

		ScramTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ascram_trips_total",
			Help:      "Automatic SCRAM trips per reason.",
		}, []string{labelReason}),

		ProcessMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "process_mode",
			Help:      "Facility auto-control mode as an integer.",
		}),
	}
}

// -------------------------------------------------------------------------
// Reporter implementations
// -------------------------------------------------------------------------

// SessionLinked increments the live session gauge for kind.
func (c *Collector) SessionLinked(kind string) {
	c.Sessions.WithLabelValues(kind).Inc()
}

// SessionClosed decrements the live session gauge for kind.
func (c *Collector) SessionClosed(kind string) {
	c.Sessions.WithLabelValues(kind).Dec()
}

// IncPacketsSent counts one transmitted frame.
func (c *Collector) IncPacketsSent(protocol string) {
	c.PacketsSent.WithLabelValues(protocol).Inc()
}

// IncPacketsReceived counts one valid received frame.
func (c *Collector) IncPacketsReceived(protocol string) {
	c.PacketsReceived.WithLabelValues(protocol).Inc()
}

// IncPacketsDropped counts one dropped frame.
func (c *Collector) IncPacketsDropped(protocol string) {
	c.PacketsDropped.WithLabelValues(protocol).Inc()
}

// IncAuthFailures counts one authentication failure.
func (c *Collector) IncAuthFailures() {
	c.AuthFailures.Inc()
}

// IncWatchdogTimeouts counts one watchdog expiration.
func (c *Collector) IncWatchdogTimeouts(kind string) {
	c.WatchdogTimeouts.WithLabelValues(kind).Inc()
}

// IncScramTrips counts one auto-SCRAM trip.
func (c *Collector) IncScramTrips(reason string) {
	c.ScramTrips.WithLabelValues(reason).Inc()
}

// SetProcessMode exports the current auto-control mode.
func (c *Collector) SetProcessMode(mode int) {
	c.ProcessMode.Set(float64(mode))
}
