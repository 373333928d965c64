// Package metrics registers the engine's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var stageBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800}

// Metrics aggregates the engine collectors.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	AdvisorCalls  *prometheus.CounterVec
	RateDenials   *prometheus.CounterVec
}

// New registers collectors against reg. A nil registerer falls back to the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Count of pipeline runs by terminal outcome",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "launchpad",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Wall time per pipeline stage",
			Buckets:   stageBuckets,
		}, []string{"stage", "status"}),
		AdvisorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "pipeline",
			Name:      "advisor_calls_total",
			Help:      "Advisor diagnosis attempts by result",
		}, []string{"result"}),
		RateDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "limiter",
			Name:      "denials_total",
			Help:      "Rate limiter waits that ended in a timed-out grant",
		}, []string{"target"}),
	}
	for _, collector := range []prometheus.Collector{m.RunsTotal, m.StageDuration, m.AdvisorCalls, m.RateDenials} {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
	return m
}

// ObserveStage records one stage completion.
func (m *Metrics) ObserveStage(stage, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage, status).Observe(elapsed.Seconds())
}

// ObserveRun records one terminal pipeline outcome.
func (m *Metrics) ObserveRun(outcome string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
}

// ObserveAdvisor records an advisor call result.
func (m *Metrics) ObserveAdvisor(result string) {
	if m == nil {
		return
	}
	m.AdvisorCalls.WithLabelValues(result).Inc()
}

// ObserveRateDenial records a budget wait that expired into an optimistic
// grant.
func (m *Metrics) ObserveRateDenial(target string) {
	if m == nil {
		return
	}
	m.RateDenials.WithLabelValues(target).Inc()
}
