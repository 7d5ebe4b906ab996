package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

// PipelineMetrics describes retrieval outcomes. It is shared by the HTTP,
// NATS and MCP surfaces, each registering it on its own registry.
type PipelineMetrics struct {
	requestsTotal        *prometheus.CounterVec
	duration             *prometheus.HistogramVec
	subQueries           *prometheus.HistogramVec
	branchFailuresTotal  *prometheus.CounterVec
	crossEncoderFallback *prometheus.CounterVec
	bundleItems          *prometheus.HistogramVec
	bundleChars          *prometheus.HistogramVec
}

func NewPipelineMetrics(registry prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "evidence",
				Subsystem: "pipeline",
				Name:      "requests_total",
				Help:      "Total retrieval requests by outcome.",
			},
			[]string{"service", "endpoint", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "evidence",
				Subsystem: "pipeline",
				Name:      "duration_seconds",
				Help:      "End-to-end retrieval duration in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"service", "endpoint"},
		),
		subQueries: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "evidence",
				Subsystem: "pipeline",
				Name:      "sub_queries",
				Help:      "Sub-queries per retrieval by decomposition strategy.",
				Buckets:   []float64{1, 2, 3, 4, 5},
			},
			[]string{"service", "strategy"},
		),
		branchFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "evidence",
				Subsystem: "pipeline",
				Name:      "branch_failures_total",
				Help:      "Retrieval branches that failed while others succeeded.",
			},
			[]string{"service"},
		),
		crossEncoderFallback: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "evidence",
				Subsystem: "pipeline",
				Name:      "cross_encoder_fallbacks_total",
				Help:      "Requests where at least one cross-encoder call fell back to the retrieval score.",
			},
			[]string{"service"},
		),
		bundleItems: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "evidence",
				Subsystem: "pipeline",
				Name:      "bundle_items",
				Help:      "Context items per bundle.",
				Buckets:   []float64{0, 1, 3, 5, 10, 15, 20, 30},
			},
			[]string{"service"},
		),
		bundleChars: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "evidence",
				Subsystem: "pipeline",
				Name:      "bundle_chars",
				Help:      "Characters per assembled bundle.",
				Buckets:   prometheus.ExponentialBuckets(500, 2, 8),
			},
			[]string{"service"},
		),
	}
	registry.MustRegister(
		m.requestsTotal,
		m.duration,
		m.subQueries,
		m.branchFailuresTotal,
		m.crossEncoderFallback,
		m.bundleItems,
		m.bundleChars,
	)
	return m
}

// Observe records one finished retrieval. outcome may be nil when err is set.
func (m *PipelineMetrics) Observe(service, endpoint string, outcome *domain.RetrievalOutcome, duration time.Duration, err error) {
	m.requestsTotal.WithLabelValues(service, endpoint, OutcomeLabel(err)).Inc()
	m.duration.WithLabelValues(service, endpoint).Observe(duration.Seconds())
	if outcome == nil {
		return
	}

	m.subQueries.WithLabelValues(service, outcome.Strategy).Observe(float64(len(outcome.SubQueries)))
	m.bundleItems.WithLabelValues(service).Observe(float64(len(outcome.Bundle.Items)))
	m.bundleChars.WithLabelValues(service).Observe(float64(outcome.Bundle.TotalChars))
	for _, n := range outcome.Notices {
		switch n.Code {
		case domain.NoticeBranchFailed:
			m.branchFailuresTotal.WithLabelValues(service).Inc()
		case domain.NoticeCrossEncoderFallback:
			m.crossEncoderFallback.WithLabelValues(service).Inc()
		}
	}
}

// OutcomeLabel maps an error onto a bounded label value.
func OutcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, domain.ErrBudgetTooSmall):
		return "budget_too_small"
	case errors.Is(err, domain.ErrRetrievalUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
