// Package metrics holds the Prometheus instrumentation of the messaging layer
// and the stream listeners.
//
// Every method is safe on a nil *Metrics, so components take an optional
// *Metrics and record unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeConflict = "conflict"
	OutcomeParked   = "parked"
)

// Metrics contains the rulebox collectors.
type Metrics struct {
	CommandsHandled  *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	CommandRetries   *prometheus.CounterVec
	QueriesHandled   *prometheus.CounterVec
	PolicyRuns       *prometheus.CounterVec
	EventsAppended   *prometheus.CounterVec
	QueuedCommands   prometheus.Gauge
	CascadeRejected  *prometheus.CounterVec
	ListenerEvents   *prometheus.CounterVec
	ListenerPosition *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		CommandsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rulebox_commands_handled_total",
				Help: "Total number of dispatched commands by outcome",
			},
			[]string{"command", "outcome"},
		),
		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rulebox_command_duration_seconds",
				Help:    "Time to load, handle and commit a command",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		CommandRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rulebox_command_retries_total",
				Help: "Total number of command retries after a concurrency conflict",
			},
			[]string{"command"},
		),
		QueriesHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rulebox_queries_handled_total",
				Help: "Total number of resolved queries by outcome",
			},
			[]string{"query", "outcome"},
		),
		PolicyRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rulebox_policy_runs_total",
				Help: "Total number of policy runs by outcome",
			},
			[]string{"policy", "outcome"},
		),
		EventsAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rulebox_events_appended_total",
				Help: "Total number of events committed by command handlers",
			},
			[]string{"event"},
		),
		QueuedCommands: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rulebox_queued_commands",
			Help: "Current number of policy-triggered commands waiting to run",
		}),
		CascadeRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rulebox_cascade_rejected_total",
				Help: "Total number of triggered commands rejected by the cascade guard",
			},
			[]string{"reason"},
		),
		ListenerEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rulebox_listener_events_total",
				Help: "Total number of events delivered by stream listeners by outcome",
			},
			[]string{"listener", "outcome"},
		),
		ListenerPosition: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rulebox_listener_position",
				Help: "Last checkpointed stream position per listener",
			},
			[]string{"listener", "stream"},
		),
		gatherer: reg,
	}

	reg.MustRegister(
		m.CommandsHandled,
		m.CommandDuration,
		m.CommandRetries,
		m.QueriesHandled,
		m.PolicyRuns,
		m.EventsAppended,
		m.QueuedCommands,
		m.CascadeRejected,
		m.ListenerEvents,
		m.ListenerPosition,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveCommand records one command dispatch.
func (m *Metrics) ObserveCommand(name, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CommandsHandled.WithLabelValues(name, outcome).Inc()
	m.CommandDuration.WithLabelValues(name).Observe(d.Seconds())
}

// CommandRetried records a conflict retry.
func (m *Metrics) CommandRetried(name string) {
	if m == nil {
		return
	}
	m.CommandRetries.WithLabelValues(name).Inc()
}

// EventsCommitted counts committed events by name.
func (m *Metrics) EventsCommitted(names ...string) {
	if m == nil {
		return
	}
	for _, n := range names {
		m.EventsAppended.WithLabelValues(n).Inc()
	}
}

// ObserveQuery records one query dispatch.
func (m *Metrics) ObserveQuery(name, outcome string) {
	if m == nil {
		return
	}
	m.QueriesHandled.WithLabelValues(name, outcome).Inc()
}

// ObservePolicy records one policy run.
func (m *Metrics) ObservePolicy(name, outcome string) {
	if m == nil {
		return
	}
	m.PolicyRuns.WithLabelValues(name, outcome).Inc()
}

// SetQueued sets the queued command gauge.
func (m *Metrics) SetQueued(n int) {
	if m == nil {
		return
	}
	m.QueuedCommands.Set(float64(n))
}

// CascadeRejection counts a command dropped by the cascade guard.
func (m *Metrics) CascadeRejection(reason string) {
	if m == nil {
		return
	}
	m.CascadeRejected.WithLabelValues(reason).Inc()
}

// ObserveListener records one delivery and the resulting checkpoint.
func (m *Metrics) ObserveListener(listener, stream, outcome string, position int64) {
	if m == nil {
		return
	}
	m.ListenerEvents.WithLabelValues(listener, outcome).Inc()
	m.ListenerPosition.WithLabelValues(listener, stream).Set(float64(position))
}

// Outcome maps an error to OutcomeSuccess or OutcomeFailed.
func Outcome(err error) string {
	if err != nil {
		return OutcomeFailed
	}
	return OutcomeSuccess
}
