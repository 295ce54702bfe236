package execution

import "github.com/prometheus/client_golang/prometheus"

var (
	launchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_executions_launched_total",
			Help: "Executions registered, by process.",
		},
		[]string{"process"},
	)

	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_execution_steps_total",
			Help: "Steps appended to execution histories, by status.",
		},
		[]string{"status"},
	)

	droppedStepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_execution_steps_dropped_total",
			Help: "Steps dropped because the execution was already terminal.",
		},
	)

	timeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_execution_timeouts_total",
			Help: "Executions terminated by the timeout scan.",
		},
	)
)

func init() {
	prometheus.MustRegister(launchesTotal)
	prometheus.MustRegister(stepsTotal)
	prometheus.MustRegister(droppedStepsTotal)
	prometheus.MustRegister(timeoutsTotal)
}
