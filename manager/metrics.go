package manager

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nasa-jpl/labauto/experiment"
)

// Metrics wraps Hooks and counts experiment outcomes
type Metrics struct {
	Hooks

	started  prometheus.Counter
	outcomes *prometheus.CounterVec
}

// NewMetrics wraps next (which may be nil) with counters registered on reg.
// queueLen is sampled on every scrape for the queue depth gauge; pass nil to
// omit it.
func NewMetrics(reg prometheus.Registerer, next Hooks, queueLen func() int) (*Metrics, error) {
	if next == nil {
		next = NopHooks{}
	}
	m := &Metrics{
		Hooks: next,
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "labauto",
			Name:      "experiments_started_total",
			Help:      "Number of experiments started by the manager.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labauto",
			Name:      "experiments_completed_total",
			Help:      "Number of experiments that left the running state, by outcome.",
		}, []string{"outcome"}),
	}
	cs := []prometheus.Collector{m.started, m.outcomes}
	if queueLen != nil {
		cs = append(cs, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "labauto",
			Name:      "queue_length",
			Help:      "Number of experiments waiting to run.",
		}, func() float64 { return float64(queueLen()) }))
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Running implements Hooks
func (m *Metrics) Running(e *experiment.Experiment) {
	m.started.Inc()
	m.Hooks.Running(e)
}

// Finished implements Hooks
func (m *Metrics) Finished(e *experiment.Experiment, result interface{}) {
	m.outcomes.WithLabelValues("succeeded").Inc()
	m.Hooks.Finished(e, result)
}

// Failed implements Hooks
func (m *Metrics) Failed(e *experiment.Experiment, err error) {
	m.outcomes.WithLabelValues("failed").Inc()
	m.Hooks.Failed(e, err)
}

// Aborted implements Hooks
func (m *Metrics) Aborted(e *experiment.Experiment) {
	m.outcomes.WithLabelValues("aborted").Inc()
	m.Hooks.Aborted(e)
}

// Started is the counter of experiments started
func (m *Metrics) Started() prometheus.Counter {
	return m.started
}

// Outcome is the counter for one outcome: succeeded, failed, or aborted
func (m *Metrics) Outcome(outcome string) prometheus.Counter {
	return m.outcomes.WithLabelValues(outcome)
}
