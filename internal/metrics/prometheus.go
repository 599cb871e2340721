package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IngestionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examprep_ingestion_transitions_total",
			Help: "Ingestion pipeline state transitions",
		},
		[]string{"state"},
	)

	IngestionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "examprep_ingestion_duration_seconds",
			Help:    "End-to-end document ingestion duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	IngestionChunks = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "examprep_ingestion_chunks",
			Help:    "Number of chunks stored per ingested document",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	DocumentsReplaced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "examprep_documents_replaced_total",
			Help: "Documents whose previous chunks were replaced on re-upload",
		},
	)

	EmbeddingRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examprep_embedding_requests_total",
			Help: "Embedding provider calls",
		},
		[]string{"status"},
	)

	EmbeddingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "examprep_embedding_duration_seconds",
			Help:    "Embedding provider call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	EmbeddedTexts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "examprep_embedded_texts_total",
			Help: "Texts sent to the embedding provider",
		},
	)

	VectorStoreOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examprep_vector_store_operations_total",
			Help: "Vector store operations",
		},
		[]string{"backend", "op", "status"},
	)

	VectorStoreDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "examprep_vector_store_duration_seconds",
			Help:    "Vector store operation duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"backend", "op"},
	)

	RetrievalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examprep_retrieval_total",
			Help: "Retrievals by the path that produced the context",
		},
		[]string{"source"},
	)

	RetrievalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "examprep_retrieval_duration_seconds",
			Help:    "Retrieval duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	RetrievalMatches = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "examprep_retrieval_matches",
			Help:    "Number of chunks in each retrieved context",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examprep_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examprep_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examprep_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	MarkingRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examprep_marking_requests_total",
			Help: "Marking feedback requests",
		},
		[]string{"transport", "status"},
	)

	// ProviderCircuitState is 0 closed, 1 half-open, 2 open.
	ProviderCircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "examprep_provider_circuit_state",
			Help: "Circuit breaker state per provider policy",
		},
		[]string{"provider"},
	)
)

var registerOnce sync.Once

// Init registers every collector with the default registry. Safe to call
// from both binaries and from tests.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			IngestionTransitions,
			IngestionDuration,
			IngestionChunks,
			DocumentsReplaced,
			EmbeddingRequests,
			EmbeddingDuration,
			EmbeddedTexts,
			VectorStoreOps,
			VectorStoreDuration,
			RetrievalTotal,
			RetrievalDuration,
			RetrievalMatches,
			CacheHits,
			CacheMisses,
			LLMTokensUsed,
			MarkingRequests,
			ProviderCircuitState,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
