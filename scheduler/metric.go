package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics is chronowatch's SchedulerMetrics (SPEC_FULL.md §1.4),
// matching the per-component metrics constructor shape established in
// dispatch and ruleexec.
type Metrics struct {
	activeJobs   prometheus.Gauge
	reloads      prometheus.Counter
	hotReloaded  *prometheus.CounterVec
	gcSweeps     prometheus.Counter
	gcSkipped    prometheus.Counter
}

// NewMetrics builds and registers a Scheduler Metrics collector. reg may
// be nil to skip registration (tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chronowatch_scheduler_active_rules",
			Help: "Number of rule jobs currently scheduled.",
		}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronowatch_scheduler_config_checks_total",
			Help: "Total load_rule_changes passes performed.",
		}),
		hotReloaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronowatch_scheduler_rule_reloads_total",
			Help: "Total times a rule's descriptor was hot-swapped after a content change.",
		}, []string{"rule"}),
		gcSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronowatch_scheduler_gc_sweeps_total",
			Help: "Total memory GC sweeps performed.",
		}),
		gcSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronowatch_scheduler_gc_skipped_total",
			Help: "Total rules skipped by a GC sweep because a tick held the lock.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.activeJobs, m.reloads, m.hotReloaded, m.gcSweeps, m.gcSkipped)
	}
	return m
}

func (m *Metrics) setActiveJobs(n int) {
	if m == nil {
		return
	}
	m.activeJobs.Set(float64(n))
}

func (m *Metrics) observeConfigCheck() {
	if m == nil {
		return
	}
	m.reloads.Inc()
}

func (m *Metrics) observeHotReload(rule string) {
	if m == nil {
		return
	}
	m.hotReloaded.WithLabelValues(rule).Inc()
}

func (m *Metrics) observeGCSweep(skipped int) {
	if m == nil {
		return
	}
	m.gcSweeps.Inc()
	if skipped > 0 {
		m.gcSkipped.Add(float64(skipped))
	}
}
