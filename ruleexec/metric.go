package ruleexec

import "github.com/prometheus/client_golang/prometheus"

// Metrics is chronowatch's ExecutorMetrics (SPEC_FULL.md §1.4): one
// collector set per process, labeled by rule name, mirroring the
// per-component NewXMetrics(registerer) constructor shape used
// throughout this module (see dispatch.NewMetrics).
type Metrics struct {
	matches     *prometheus.CounterVec
	errors      *prometheus.CounterVec
	tickSeconds *prometheus.HistogramVec
}

// NewMetrics builds and registers an Executor Metrics collector. reg may
// be nil to skip registration (tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronowatch_rule_matches_total",
			Help: "Total matches produced by a rule's detector.",
		}, []string{"rule"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronowatch_rule_errors_total",
			Help: "Total tick-level errors for a rule.",
		}, []string{"rule"}),
		tickSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chronowatch_rule_tick_duration_seconds",
			Help:    "Wall-clock duration of one rule tick.",
			Buckets: prometheus.DefBuckets,
		}, []string{"rule"}),
	}
	if reg != nil {
		reg.MustRegister(m.matches, m.errors, m.tickSeconds)
	}
	return m
}
