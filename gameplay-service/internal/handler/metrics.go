package handler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novel_engine_session_requests_total",
			Help: "Total number of session API calls by operation and status.",
		},
		[]string{"operation", "status"},
	)

	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novel_engine_session_events_published_total",
			Help: "Total number of session events queued for subscribers.",
		},
		[]string{"type"},
	)

	eventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "novel_engine_session_events_dropped_total",
			Help: "Total number of session events dropped because the broadcast queue was full.",
		},
	)
)

func observe(operation string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	sessionRequestsTotal.WithLabelValues(operation, status).Inc()
}
