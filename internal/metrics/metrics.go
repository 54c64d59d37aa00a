package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_tasks_started_total",
			Help: "Total number of research tasks started",
		},
		[]string{"category"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_tasks_completed_total",
			Help: "Total number of research tasks finished",
		},
		[]string{"category", "status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_task_duration_seconds",
			Help:    "Research task wall-clock duration in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 240, 480},
		},
		[]string{"category"},
	)

	TaskIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_task_iterations",
			Help:    "Iteration-engine rounds per task",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 10},
		},
	)

	CreditsConsumed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_credits_consumed",
			Help:    "Credits debited per completed task",
			Buckets: []float64{5, 10, 15, 20, 30, 40, 60},
		},
	)

	// Provider metrics
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_provider_calls_total",
			Help: "External provider calls by capability and outcome",
		},
		[]string{"capability", "outcome"}, // capability: search|scrape|discovery|llm
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_provider_call_duration_seconds",
			Help:    "External provider call latency",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 90},
		},
		[]string{"capability"},
	)

	ScrapeCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_scrape_cache_hits_total",
			Help: "Scrape results served from the shared cache",
		},
	)

	// Scoring gauges track the most recently scored round; an activity
	// signal for dashboards, not per-task telemetry.
	ConfidenceScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_last_confidence_score",
			Help: "Confidence score of the most recently scored round",
		},
	)

	CoverageScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_last_coverage_score",
			Help: "Coverage score of the most recently scored round",
		},
	)

	SourcesAccumulated = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_sources_per_task",
			Help:    "Unique sources accumulated per task",
			Buckets: []float64{1, 3, 6, 10, 20, 40, 80},
		},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_stream_subscribers",
			Help: "Currently connected progress-stream subscribers",
		},
	)
)
