package outputfile

import "github.com/prometheus/client_golang/prometheus"

var (
	downloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_output_downloads_total",
			Help: "Download requests by outcome.",
		},
		[]string{"outcome"},
	)

	purgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_output_files_purged_total",
			Help: "Output files released and deleted after retention.",
		},
	)

	purgeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_output_file_purge_failures_total",
			Help: "Output files whose release or deletion failed.",
		},
	)
)

func init() {
	prometheus.MustRegister(downloadsTotal)
	prometheus.MustRegister(purgedTotal)
	prometheus.MustRegister(purgeFailuresTotal)
}
