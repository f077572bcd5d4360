package tuner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// trialsTotal counts trials by search mode and outcome ("ok", "oom", "fatal").
	trialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchsizefinder_trials_total",
		Help: "Total batch size trials by mode and outcome",
	}, []string{"mode", "outcome"})

	searchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchsizefinder_searches_total",
		Help: "Total batch size searches by mode and result",
	}, []string{"mode", "result"})

	searchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batchsizefinder_search_duration_seconds",
		Help:    "Wall time of a full batch size search including checkpoint save and restore",
		Buckets: []float64{0.01, 0.1, 1, 10, 60, 300, 1800},
	})

	optimalBatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batchsizefinder_optimal_batch_size",
		Help: "Batch size found by the most recent successful search",
	})
)
