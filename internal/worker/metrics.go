package worker

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeDone    = "done"
	outcomeRetry   = "retry"
	outcomeFailed  = "failed"
	outcomeAborted = "aborted"
)

// Metrics are the per-registry queue collectors.
type Metrics struct {
	Enqueued *prometheus.CounterVec
	Finished *prometheus.CounterVec
	Running  *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Enqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notesync_tasks_enqueued_total",
				Help: "Total number of tasks enqueued.",
			},
			[]string{"queue"},
		),
		Finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notesync_tasks_finished_total",
				Help: "Total number of task attempts by outcome.",
			},
			[]string{"queue", "outcome"},
		),
		Running: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "notesync_tasks_running",
				Help: "Number of tasks currently running.",
			},
			[]string{"queue"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Enqueued, m.Finished, m.Running)
	}
	return m
}
