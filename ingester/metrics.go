package ingester

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attachd_uploads_total",
			Help: "Uploads by gate result (created, restored, duplicate, error).",
		},
		[]string{"result"},
	)

	processingTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attachd_processing_total",
			Help: "Finished processing runs by route and terminal status.",
		},
		[]string{"route", "status"},
	)

	processingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "attachd_processing_duration_seconds",
			Help:    "Wall time of a processing run, download to terminal commit.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"route"},
	)

	enrichmentFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attachd_enrichment_fallbacks_total",
			Help: "Enrichment sub-calls that degraded to a placeholder.",
		},
		[]string{"kind"},
	)

	quarantinedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachd_quarantined_total",
		Help: "Records quarantined by the upload scan or by an operator.",
	})

	staleRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachd_stale_recovered_total",
		Help: "Records reset after being stuck in processing.",
	})

	interruptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachd_processing_interrupted_total",
		Help: "Runs released back to uploaded because their caller was cancelled.",
	})

	workersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "attachd_extraction_workers_busy",
		Help: "Extraction worker slots currently held.",
	})
)
