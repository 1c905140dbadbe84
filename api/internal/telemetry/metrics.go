// Package telemetry holds the Prometheus metrics and OpenTelemetry tracing
// shared by the rule engine and its sinks.
//
// Metric naming follows Prometheus conventions:
//   - rulesync_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
)

// Metrics records engine activity. A nil *Metrics records nothing.
type Metrics struct {
	MutationsTotal      *prometheus.CounterVec
	SinkPushesTotal     *prometheus.CounterVec
	SinkDurationSeconds *prometheus.HistogramVec
	AgentsConnected     prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rulesync_rule_operations_total",
				Help: "Rule operations by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		SinkPushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rulesync_sink_pushes_total",
				Help: "Fan-out attempts by sink and outcome.",
			},
			[]string{"sink", "outcome"},
		),
		SinkDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rulesync_sink_push_duration_seconds",
				Help:    "Duration of fan-out attempts by sink.",
				Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"sink"},
		),
		AgentsConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rulesync_agents_connected",
				Help: "Number of agents holding a live WebSocket connection.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.MutationsTotal, m.SinkPushesTotal, m.SinkDurationSeconds, m.AgentsConnected)
	}
	return m
}

// RecordOperation counts one finished engine operation.
func (m *Metrics) RecordOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordSinkPush counts one fan-out attempt against a sink.
func (m *Metrics) RecordSinkPush(sink string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeFailure
	}
	m.SinkPushesTotal.WithLabelValues(sink, outcome).Inc()
	m.SinkDurationSeconds.WithLabelValues(sink).Observe(d.Seconds())
}

// SetAgentsConnected reports the agent hub population.
func (m *Metrics) SetAgentsConnected(n int) {
	if m == nil {
		return
	}
	m.AgentsConnected.Set(float64(n))
}
