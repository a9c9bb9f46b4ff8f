// Package metrics wires the login front-end's runtime counters
// through go-kit's metrics interfaces onto Prometheus collectors.
//
// Grounded on the teacher's root metrics.go (NewPrometheusMetrics)
// and distributor/metrics.go (metricsService), generalized from the
// teacher's single "received commands" counter and login/logout pair
// into the full set of signals this front-end's components produce.
package metrics

import (
	"github.com/go-kit/kit/metrics"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const namespace = "imaplogind"

// Metrics holds every counter, gauge, and histogram the front-end
// exposes. All fields are go-kit interfaces so callers never import
// the concrete Prometheus collector types directly, matching the
// teacher's own metricsService decorators.
type Metrics struct {
	Commands        metrics.Counter
	Logins          metrics.Counter
	Logouts         metrics.Counter
	BadCommandKicks metrics.Counter
	LiveSessions    metrics.Gauge
	AuthLatency     metrics.Histogram
}

// New constructs a Metrics backed by freshly registered Prometheus
// collectors.
func New() *Metrics {

	return &Metrics{
		Commands: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_commands_total",
			Help:      "Number of received commands in total by their command type.",
		}, []string{"command"}),

		Logins: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Number of successful logins handed off to the backend master.",
		}, []string{}),

		Logouts: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logouts_total",
			Help:      "Number of clean LOGOUT completions.",
		}, []string{}),

		BadCommandKicks: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bad_command_disconnects_total",
			Help:      "Number of sessions destroyed for exceeding the invalid command limit.",
		}, []string{}),

		LiveSessions: kitprometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions",
			Help:      "Number of sessions currently admitted to the registry.",
		}, []string{}),

		AuthLatency: kitprometheus.NewSummaryFrom(stdprometheus.SummaryOpts{
			Namespace: namespace,
			Name:      "auth_request_duration_seconds",
			Help:      "Latency of auth broker round trips, labeled by outcome.",
		}, []string{"outcome"}),
	}
}
