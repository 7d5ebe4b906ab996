package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

type WorkerMetrics struct {
	registry *prometheus.Registry

	indexTotal    *prometheus.CounterVec
	indexDuration *prometheus.HistogramVec
	indexInFlight prometheus.Gauge
	indexedChunks *prometheus.HistogramVec
	queueLag      *prometheus.HistogramVec

	pipeline *PipelineMetrics
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	indexTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evidence",
			Subsystem: "worker",
			Name:      "document_index_total",
			Help:      "Total indexed documents by status.",
		},
		[]string{"service", "status"},
	)
	indexDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "evidence",
			Subsystem: "worker",
			Name:      "document_index_duration_seconds",
			Help:      "Document indexing duration in seconds by status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "status"},
	)
	indexInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "evidence",
			Subsystem: "worker",
			Name:      "document_index_in_flight",
			Help:      "Number of in-flight document indexing tasks.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	indexedChunks := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "evidence",
			Subsystem: "worker",
			Name:      "indexed_chunks",
			Help:      "Chunks produced per indexed document.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"service"},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "evidence",
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between document creation and indexing start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)

	registry.MustRegister(indexTotal, indexDuration, indexInFlight, indexedChunks, queueLag)

	return &WorkerMetrics{
		registry:      registry,
		indexTotal:    indexTotal,
		indexDuration: indexDuration,
		indexInFlight: indexInFlight,
		indexedChunks: indexedChunks,
		queueLag:      queueLag,
		pipeline:      NewPipelineMetrics(registry),
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartDocument() {
	m.indexInFlight.Inc()
}

func (m *WorkerMetrics) FinishDocument(service string, chunks int, duration time.Duration, err error) {
	m.indexInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}

	m.indexTotal.WithLabelValues(service, status).Inc()
	m.indexDuration.WithLabelValues(service, status).Observe(duration.Seconds())
	if err == nil {
		m.indexedChunks.WithLabelValues(service).Observe(float64(chunks))
	}
}

func (m *WorkerMetrics) ObserveQueueLag(service string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(service).Observe(lag.Seconds())
}

func (m *WorkerMetrics) RecordRetrieval(service string, outcome *domain.RetrievalOutcome, duration time.Duration, err error) {
	m.pipeline.Observe(service, "nats", outcome, duration, err)
}
