package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors the teacher's per-component collector struct shape
// (see ruleexec.Metrics, scheduler.Metrics): a handful of named
// collectors built once by New*Metrics and registered against the
// caller's registerer.
type Metrics struct {
	sent      *prometheus.CounterVec
	errors    *prometheus.CounterVec
	retried   prometheus.Counter
	batchSize prometheus.Histogram
}

// NewMetrics builds and registers a Metrics collector. reg may be nil,
// in which case the collectors are built but never registered (tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronowatch_alerts_sent_total",
			Help: "Total alerts successfully delivered by alerter.",
		}, []string{"rule", "alerter"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronowatch_alerts_failed_total",
			Help: "Total alerter delivery failures.",
		}, []string{"rule", "alerter"}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronowatch_alerts_retried_total",
			Help: "Total alerts redelivered by the pending-alert sweep.",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chronowatch_alert_batch_size",
			Help:    "Number of matches dispatched per SendAlert call.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sent, m.errors, m.retried, m.batchSize)
	}
	return m
}

func (m *Metrics) observeSend(rule string, matches int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(matches))
}

func (m *Metrics) observeAlerter(rule, alerterName string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.errors.WithLabelValues(rule, alerterName).Inc()
		return
	}
	m.sent.WithLabelValues(rule, alerterName).Inc()
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}
	m.retried.Inc()
}
