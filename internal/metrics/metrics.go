// Package metrics holds the Prometheus collectors of the service.
// Collectors are package-level so every layer can record without plumbing;
// registration is explicit and happens once from main.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "modelmux"

// Backend routing metrics.
var (
	BackendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Total number of inference backend calls",
		},
		[]string{"backend", "status"},
	)

	BackendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Inference backend call duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80},
		},
		[]string{"backend"},
	)

	BackendInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_inflight",
			Help:      "Inference calls currently executing per backend",
		},
		[]string{"backend"},
	)

	BackendUnloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_unloads_total",
			Help:      "Idle backends unloaded",
		},
		[]string{"backend"},
	)

	FallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_total",
			Help:      "Threshold breaches that bypassed a backend",
		},
		[]string{"backend", "reason"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries after a failed backend call",
		},
		[]string{"from", "to"},
	)
)

// Retrieval fusion metrics.
var (
	SourceResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_results_total",
			Help:      "Passages contributed by each knowledge source",
		},
		[]string{"source"},
	)

	SourceErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_errors_total",
			Help:      "Knowledge source failures absorbed by fusion",
		},
		[]string{"source"},
	)

	SourceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_duration_seconds",
			Help:      "Knowledge source query duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"source"},
	)

	RerankTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerank_total",
			Help:      "Reranker invocations by outcome",
		},
		[]string{"status"}, // "success" / "error" / "skipped"
	)
)

// Embedding metrics.
var (
	EmbeddingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_requests_total",
			Help:      "Total number of embedding provider requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embedding_request_duration_seconds",
			Help:      "Embedding request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"model"},
	)

	EmbeddingCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_total",
			Help:      "Embedding cache lookups by layer and result",
		},
		[]string{"layer", "result"}, // layer: "memory" / "remote"; result: "hit" / "miss"
	)
)

var registerOnce sync.Once

// Register registers every collector with the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestDuration,
			httpRequestsTotal,
			BackendRequestsTotal,
			BackendRequestDuration,
			BackendInFlight,
			BackendUnloadsTotal,
			FallbackTotal,
			RetriesTotal,
			SourceResultsTotal,
			SourceErrorsTotal,
			SourceDuration,
			RerankTotal,
			EmbeddingRequestsTotal,
			EmbeddingRequestDuration,
			EmbeddingCacheTotal,
		)
	})
}
