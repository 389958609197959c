package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeDone labels runs that reached DONE.
	OutcomeDone = "done"
	// OutcomeFailed labels runs that terminated as FAILED.
	OutcomeFailed = "failed"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_sentinel",
			Name:      "runs_total",
			Help:      "Total control-loop runs, partitioned by terminal outcome.",
		},
		[]string{"outcome"},
	)

	runDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_sentinel",
			Name:      "run_seconds",
			Help:      "Control-loop run duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	patternMatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mirador_sentinel",
			Name:      "pattern_matches_total",
			Help:      "Knowledge-base matching calls that produced at least one match.",
		},
	)

	schedulerSkipsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mirador_sentinel",
			Name:      "scheduler_skips_total",
			Help:      "Scheduler ticks skipped because a run was still in flight.",
		},
	)

	actionsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_sentinel",
			Name:      "actions_dispatched_total",
			Help:      "Remediation actions dispatched to the executor, by type.",
		},
		[]string{"type"},
	)
)

// Register attaches sentinel collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		runsTotal,
		runDurationSeconds,
		patternMatchesTotal,
		schedulerSkipsTotal,
		actionsDispatchedTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveRun records a terminal run's duration and outcome.
func ObserveRun(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeDone {
		label = OutcomeFailed
	}
	runsTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	runDurationSeconds.Observe(duration.Seconds())
}

// ObservePatternMatch counts one matching call that found patterns.
func ObservePatternMatch() {
	patternMatchesTotal.Inc()
}

// ObserveSchedulerSkip counts one skipped tick.
func ObserveSchedulerSkip() {
	schedulerSkipsTotal.Inc()
}

// ObserveActionDispatched counts one dispatched action.
func ObserveActionDispatched(actionType string) {
	actionsDispatchedTotal.WithLabelValues(actionType).Inc()
}
