// Package metrics records grove's session, retry and operation counters.
//
// A *Metrics owns its own registry so several can coexist in tests. Every
// method is safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "grove"

	sessionSubsystem   = "session"
	operationSubsystem = "operation"

	// Labels
	hostLabel    = "host"
	reasonLabel  = "reason"
	verbLabel    = "verb"
	outcomeLabel = "outcome"
)

// Session close reasons.
const (
	ReasonIdle      = "idle_timeout"
	ReasonUnhealthy = "unhealthy"
	ReasonPing      = "ping_failed"
	ReasonShutdown  = "shutdown"
	ReasonEvicted   = "evicted"
)

// Metrics holds the collectors for one grove process.
type Metrics struct {
	registry *prometheus.Registry

	sessionsDialed  *prometheus.CounterVec
	sessionsReused  *prometheus.CounterVec
	sessionsClosed  *prometheus.CounterVec
	sessionsInUse   *prometheus.GaugeVec
	retries         *prometheus.CounterVec
	operations      *prometheus.CounterVec
	operationTiming *prometheus.HistogramVec
}

// New creates a Metrics with every collector registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsDialed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: sessionSubsystem,
			Name:      "dialed_total",
			Help:      "number of SSH sessions dialed",
		}, []string{hostLabel}),
		sessionsReused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: sessionSubsystem,
			Name:      "reused_total",
			Help:      "number of acquisitions served by an idle session",
		}, []string{hostLabel}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: sessionSubsystem,
			Name:      "closed_total",
			Help:      "number of SSH sessions closed, by reason",
		}, []string{hostLabel, reasonLabel}),
		sessionsInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: sessionSubsystem,
			Name:      "in_use",
			Help:      "sessions currently checked out of the pool",
		}, []string{hostLabel}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: operationSubsystem,
			Name:      "retries_total",
			Help:      "number of retried attempts",
		}, []string{verbLabel}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: operationSubsystem,
			Name:      "results_total",
			Help:      "number of operation results, by verb and outcome",
		}, []string{verbLabel, outcomeLabel}),
		operationTiming: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: operationSubsystem,
			Name:      "duration_seconds",
			Help:      "remote command duration",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{verbLabel}),
	}

	m.registry.MustRegister(
		m.sessionsDialed,
		m.sessionsReused,
		m.sessionsClosed,
		m.sessionsInUse,
		m.retries,
		m.operations,
		m.operationTiming,
	)
	return m
}

// Registry returns the registry holding grove's collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SessionDialed counts a new connection to host.
func (m *Metrics) SessionDialed(host string) {
	if m == nil {
		return
	}
	m.sessionsDialed.With(prometheus.Labels{hostLabel: host}).Inc()
}

// SessionReused counts an acquisition served from the idle set.
func (m *Metrics) SessionReused(host string) {
	if m == nil {
		return
	}
	m.sessionsReused.With(prometheus.Labels{hostLabel: host}).Inc()
}

// SessionClosed counts a closed session.
func (m *Metrics) SessionClosed(host, reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.With(prometheus.Labels{hostLabel: host, reasonLabel: reason}).Inc()
}

// SetSessionsInUse records the number of checked out sessions for host.
func (m *Metrics) SetSessionsInUse(host string, n int) {
	if m == nil {
		return
	}
	m.sessionsInUse.With(prometheus.Labels{hostLabel: host}).Set(float64(n))
}

// Retried counts one retry of an operation.
func (m *Metrics) Retried(verb string) {
	if m == nil {
		return
	}
	m.retries.With(prometheus.Labels{verbLabel: verb}).Inc()
}

// OperationFinished records the outcome of one target.
func (m *Metrics) OperationFinished(verb, outcome string) {
	if m == nil {
		return
	}
	m.operations.With(prometheus.Labels{verbLabel: verb, outcomeLabel: outcome}).Inc()
}

// ObserveCommand records how long a remote command took.
func (m *Metrics) ObserveCommand(verb string, d time.Duration) {
	if m == nil {
		return
	}
	m.operationTiming.With(prometheus.Labels{verbLabel: verb}).Observe(d.Seconds())
}

// WriteToTextfile writes every collector in the node_exporter textfile format.
func (m *Metrics) WriteToTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
