package ai

import (
	"time"

	"novel-engine/shared/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	providerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novel_engine_provider_requests_total",
			Help: "Total number of requests to generation providers.",
		},
		[]string{"modality", "provider", "status"},
	)
	providerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "novel_engine_provider_request_duration_seconds",
			Help:    "Histogram of provider request durations.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 40, 80},
		},
		[]string{"modality", "provider"},
	)
	promptTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "novel_engine_story_prompt_tokens",
			Help:    "Histogram of prompt token counts.",
			Buckets: prometheus.LinearBuckets(250, 250, 20), // 250, 500, ..., 5000
		},
		[]string{"provider", "model"},
	)
	completionTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "novel_engine_story_completion_tokens",
			Help:    "Histogram of completion token counts.",
			Buckets: prometheus.LinearBuckets(100, 100, 20), // 100, 200, ..., 2000
		},
		[]string{"provider", "model"},
	)
)

// observe записывает результат одного вызова провайдера.
func observe(modality models.Modality, provider models.ProviderKey, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	providerRequestsTotal.With(prometheus.Labels{
		"modality": string(modality),
		"provider": string(provider),
		"status":   status,
	}).Inc()
	providerRequestDuration.With(prometheus.Labels{
		"modality": string(modality),
		"provider": string(provider),
	}).Observe(time.Since(start).Seconds())
}

func observeUsage(provider models.ProviderKey, model string, usage *models.TokenUsage) {
	if usage == nil || usage.TotalTokens == 0 {
		return
	}
	labels := prometheus.Labels{"provider": string(provider), "model": model}
	promptTokens.With(labels).Observe(float64(usage.PromptTokens))
	completionTokens.With(labels).Observe(float64(usage.CompletionTokens))
}
