package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TimestepsDownscaled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "downscale_timesteps_total",
			Help: "Total timesteps run through analogue construction",
		},
		[]string{"period"},
	)

	AnalogueSearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "downscale_analogue_search_seconds",
			Help:    "Per-timestep analogue search duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WeightSolveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "downscale_weight_solve_seconds",
			Help:    "Per-timestep weight regression duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "downscale_pipeline_runs_total",
			Help: "Total pipeline runs by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	ArchivesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "downscale_archives_fetched_total",
			Help: "Total archive files fetched over FTP",
		},
		[]string{"host", "status"},
	)
)
