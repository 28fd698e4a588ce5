package persistence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	saveOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "novel_engine_save_operations_total",
		Help: "Persistence operations by kind and outcome.",
	}, []string{"operation", "result"})

	saveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "novel_engine_save_duration_seconds",
		Help:    "Latency of slot writes.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

const (
	resultOK      = "ok"
	resultSkipped = "skipped"
	resultError   = "error"
)
