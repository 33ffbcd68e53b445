package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	IngestOutcome = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailgate",
			Subsystem: "ingest",
			Name:      "outcome_total",
			Help:      "Number of ingestion runs by outcome and reject/drop reason",
		},
		[]string{"outcome", "reason"},
	)
	DistributionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailgate",
			Subsystem: "distribution",
			Name:      "failures_total",
			Help:      "Number of failed best-effort distribution tasks",
		},
		[]string{"target"},
	)
	PreviewLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailgate",
			Subsystem: "preview",
			Name:      "lookup_total",
			Help:      "Number of preview token lookups by grant kind and result",
		},
		[]string{"kind", "result"},
	)
)

func init() {
	prometheus.MustRegister(IngestOutcome)
	prometheus.MustRegister(DistributionFailures)
	prometheus.MustRegister(PreviewLookups)
}
