package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation of the ingestion pipeline. The server exposes
// the default registry on /metrics.
var (
	rowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockengine_pipeline_rows_total",
		Help: "Rows processed by the ingestion pipeline, by stage and result.",
	}, []string{"stage", "result"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockengine_pipeline_runs_total",
		Help: "Completed pipeline runs by final status.",
	}, []string{"status"})

	sourcesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockengine_pipeline_sources_total",
		Help: "Processed sources by final status.",
	}, []string{"status"})

	flushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockengine_pipeline_flushes_total",
		Help: "Record-store batch flushes.",
	})
)
