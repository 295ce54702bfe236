package firecracker

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for run outcome.
const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusKilled    = "killed"
)

var (
	vmBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crucible_firecracker_vm_boot_seconds",
			Help:    "Duration from VM start to guest agent ready, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crucible_firecracker_active_vms",
			Help: "Number of currently running Firecracker microVMs.",
		},
	)

	slotWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crucible_firecracker_slot_wait_seconds",
			Help:    "Time executions spent waiting for a free microVM slot, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	guestRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crucible_firecracker_guest_run_seconds",
			Help:    "Process run time inside the guest, from request send to final result, in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		},
		[]string{"process"},
	)

	vmCleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crucible_firecracker_vm_cleanup_seconds",
			Help:    "Duration of VM stop and network teardown, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_firecracker_runs_total",
			Help: "Executions run by the Firecracker engine, by process and outcome.",
		},
		[]string{"process", "status"},
	)

	uploadedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_firecracker_uploaded_bytes_total",
			Help: "Output file bytes uploaded to the object store.",
		},
	)
)

func init() {
	prometheus.MustRegister(vmBootDuration)
	prometheus.MustRegister(activeVMs)
	prometheus.MustRegister(slotWaitDuration)
	prometheus.MustRegister(guestRunDuration)
	prometheus.MustRegister(vmCleanupDuration)
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(uploadedBytes)
}
