// Package metrics provides Prometheus metrics export for the memory engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter exports memory engine metrics in Prometheus format.
type PrometheusExporter struct {
	registry *prometheus.Registry

	// Turn metrics
	turnLatency  *prometheus.HistogramVec
	turnRequests *prometheus.CounterVec
	turnsActive  prometheus.Gauge

	// Retrieval metrics
	retrievalLatency    *prometheus.HistogramVec
	retrievedMemories   prometheus.Histogram
	silenceActivations  *prometheus.CounterVec
	retrievalCandidates prometheus.Histogram

	// Extraction metrics
	extractedMemories *prometheus.CounterVec
	extractionErrors  prometheus.Counter
	dedupRejections   prometheus.Counter

	// Cache metrics
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// LLM metrics
	llmTokensUsed   *prometheus.CounterVec
	llmTokensCached *prometheus.CounterVec
	llmLatency      *prometheus.HistogramVec

	// Lifecycle metrics
	lifecycleRuns    *prometheus.CounterVec
	lifecycleExpired prometheus.Counter
	lifecycleMerged  prometheus.Counter
}

// Config configures the Prometheus exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns default Prometheus configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

// NewPrometheusExporter creates a new Prometheus metrics exporter.
func NewPrometheusExporter(cfg Config) *PrometheusExporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &PrometheusExporter{
		registry: registry,
	}

	e.turnLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "longmem",
			Subsystem: "engine",
			Name:      "turn_latency_seconds",
			Help:      "Conversation turn latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"intent"},
	)

	e.turnRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "longmem",
			Subsystem: "engine",
			Name:      "turn_requests_total",
			Help:      "Total number of conversation turn requests",
		},
		[]string{"intent", "status"},
	)

	e.turnsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "longmem",
			Subsystem: "engine",
			Name:      "turns_active",
			Help:      "Number of turns currently being processed",
		},
	)

	e.retrievalLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "longmem",
			Subsystem: "engine",
			Name:      "retrieval_latency_seconds",
			Help:      "Memory retrieval latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"intent"},
	)

	e.retrievedMemories = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "longmem",
			Subsystem: "engine",
			Name:      "retrieved_memories",
			Help:      "Number of memories surfaced per retrieval",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 15, 20, 30},
		},
	)

	e.retrievalCandidates = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "longmem",
			Subsystem: "engine",
			Name:      "retrieval_candidates",
			Help:      "Number of vector search candidates per retrieval",
			Buckets:   []float64{0, 5, 10, 20, 30, 50},
		},
	)

	e.silenceActivations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "longmem",
			Subsystem: "engine",
			Name:      "silence_activations_total",
			Help:      "Total number of retrievals that entered silence mode",
		},
		[]string{"intent"},
	)

	e.extractedMemories = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "longmem",
			Subsystem: "engine",
			Name:      "extracted_memories_total",
			Help:      "Total number of memories extracted and persisted",
		},
		[]string{"type"},
	)

	e.extractionErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "longmem",
			Subsystem: "engine",
			Name:      "extraction_errors_total",
			Help:      "Total number of failed extraction attempts",
		},
	)

	e.dedupRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "longmem",
			Subsystem: "engine",
			Name:      "dedup_rejections_total",
			Help:      "Total number of extracted memories rejected as duplicates",
		},
	)

	e.cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "longmem",
			Subsystem: "engine",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	e.cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "longmem",
			Subsystem: "engine",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	e.llmTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "longmem",
			Subsystem: "engine",
			Name:      "llm_tokens_total",
			Help:      "Total LLM tokens consumed",
		},
		[]string{"model", "token_type"},
	)

	e.llmTokensCached = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "longmem",
			Subsystem: "engine",
			Name:      "llm_tokens_cached_total",
			Help:      "Total LLM tokens served from provider cache",
		},
		[]string{"model"},
	)

	e.llmLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "longmem",
			Subsystem: "engine",
			Name:      "llm_latency_seconds",
			Help:      "LLM request latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"model", "purpose"},
	)

	e.lifecycleRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "longmem",
			Subsystem: "engine",
			Name:      "lifecycle_runs_total",
			Help:      "Total number of lifecycle maintenance runs",
		},
		[]string{"status"},
	)

	e.lifecycleExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "longmem",
			Subsystem: "engine",
			Name:      "lifecycle_expired_total",
			Help:      "Total number of memories expired by lifecycle maintenance",
		},
	)

	e.lifecycleMerged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "longmem",
			Subsystem: "engine",
			Name:      "lifecycle_merged_total",
			Help:      "Total number of memories merged by consolidation",
		},
	)

	registry.MustRegister(
		e.turnLatency,
		e.turnRequests,
		e.turnsActive,
		e.retrievalLatency,
		e.retrievedMemories,
		e.retrievalCandidates,
		e.silenceActivations,
		e.extractedMemories,
		e.extractionErrors,
		e.dedupRejections,
		e.cacheHits,
		e.cacheMisses,
		e.llmTokensUsed,
		e.llmTokensCached,
		e.llmLatency,
		e.lifecycleRuns,
		e.lifecycleExpired,
		e.lifecycleMerged,
	)

	return e
}

// RecordTurn records a completed conversation turn.
func (e *PrometheusExporter) RecordTurn(intent string, latency time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}

	e.turnRequests.WithLabelValues(intent, status).Inc()
	e.turnLatency.WithLabelValues(intent).Observe(latency.Seconds())
}

// TurnStarted increments the active turn gauge.
func (e *PrometheusExporter) TurnStarted() {
	e.turnsActive.Inc()
}

// TurnFinished decrements the active turn gauge.
func (e *PrometheusExporter) TurnFinished() {
	e.turnsActive.Dec()
}

// RecordRetrieval records a memory retrieval pass.
func (e *PrometheusExporter) RecordRetrieval(intent string, latency time.Duration, candidates, surfaced int, silence bool) {
	e.retrievalLatency.WithLabelValues(intent).Observe(latency.Seconds())
	e.retrievalCandidates.Observe(float64(candidates))
	e.retrievedMemories.Observe(float64(surfaced))
	if silence {
		e.silenceActivations.WithLabelValues(intent).Inc()
	}
}

// RecordExtractedMemory records a persisted extracted memory.
func (e *PrometheusExporter) RecordExtractedMemory(memoryType string) {
	e.extractedMemories.WithLabelValues(memoryType).Inc()
}

// RecordExtractionError records a failed extraction attempt.
func (e *PrometheusExporter) RecordExtractionError() {
	e.extractionErrors.Inc()
}

// RecordDedupRejection records an extracted memory rejected as a duplicate.
func (e *PrometheusExporter) RecordDedupRejection() {
	e.dedupRejections.Inc()
}

// RecordCacheHit records a cache hit.
func (e *PrometheusExporter) RecordCacheHit(cacheType string) {
	e.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (e *PrometheusExporter) RecordCacheMiss(cacheType string) {
	e.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordLLMTokens records LLM token usage.
func (e *PrometheusExporter) RecordLLMTokens(model, tokenType string, count int) {
	e.llmTokensUsed.WithLabelValues(model, tokenType).Add(float64(count))
}

// RecordLLMCachedTokens records cached LLM tokens.
func (e *PrometheusExporter) RecordLLMCachedTokens(model string, count int) {
	e.llmTokensCached.WithLabelValues(model).Add(float64(count))
}

// RecordLLMLatency records LLM request latency.
func (e *PrometheusExporter) RecordLLMLatency(model, purpose string, latency time.Duration) {
	e.llmLatency.WithLabelValues(model, purpose).Observe(latency.Seconds())
}

// RecordLifecycleRun records a lifecycle maintenance run with its outcomes.
func (e *PrometheusExporter) RecordLifecycleRun(success bool, expired, merged int) {
	status := "success"
	if !success {
		status = "error"
	}
	e.lifecycleRuns.WithLabelValues(status).Inc()
	e.lifecycleExpired.Add(float64(expired))
	e.lifecycleMerged.Add(float64(merged))
}

// GetHandler returns the HTTP handler for Prometheus metrics.
func (e *PrometheusExporter) GetHandler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// ServeHTTP implements http.Handler for the metrics endpoint.
func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.GetHandler().ServeHTTP(w, r)
}

// GetRegistry returns the Prometheus registry.
func (e *PrometheusExporter) GetRegistry() *prometheus.Registry {
	return e.registry
}
