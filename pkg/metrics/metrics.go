package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus collectors register once per process
var (
	GenerationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resume_workflow_generation_requests_total",
			Help: "Generation calls by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resume_workflow_generation_duration_seconds",
			Help:    "Duration of generation calls in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"backend"},
	)

	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resume_workflow_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a backend rate limit reservation",
			Buckets: []float64{0, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"backend"},
	)

	SectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resume_workflow_section_transitions_total",
			Help: "Section draft status transitions",
		},
		[]string{"section", "status"},
	)

	LengthAdjustments = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resume_workflow_length_adjustments",
			Help:    "Automatic length adjustment iterations per approval",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 6, 7, 8},
		},
		[]string{"section", "result"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resume_workflow_sessions_active",
			Help: "Sessions started and not yet finalized or abandoned",
		},
	)
)

// Generation outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeTimeout     = "timeout"
	OutcomeRateLimited = "rate_limited"
	OutcomeContent     = "content"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)
