// Package metrics provides internal metrics collection for the memory
// subsystem. This package is internal and should not be imported by
// external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates prometheus metrics for the memory subsystem.
type Collector struct {
	ingestTotal    *prometheus.CounterVec
	ingestDuration prometheus.Histogram
	tracesCreated  prometheus.Counter

	embeddingsTotal *prometheus.CounterVec

	recallTotal    *prometheus.CounterVec
	recallDuration prometheus.Histogram

	consolidationTotal    *prometheus.CounterVec
	consolidationDuration prometheus.Histogram

	forgetTotal *prometheus.CounterVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates a collector registered against reg. Pass
// prometheus.DefaultRegisterer for production use or a fresh registry in
// tests.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.ingestTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_total",
			Help:      "Total number of ingest operations",
		},
		[]string{"status"},
	)

	c.ingestDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Ingest operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.tracesCreated = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traces_created_total",
			Help:      "Total number of memory traces created",
		},
	)

	c.embeddingsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embeddings_total",
			Help:      "Total number of embedding computations by outcome",
		},
		[]string{"outcome"},
	)

	c.recallTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recall_total",
			Help:      "Total number of recall operations",
		},
		[]string{"status"},
	)

	c.recallDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recall_duration_seconds",
			Help:      "Recall operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.consolidationTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidation_total",
			Help:      "Total number of consolidation runs by status",
		},
		[]string{"granularity", "status"},
	)

	c.consolidationDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consolidation_duration_seconds",
			Help:      "Consolidation run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)

	c.forgetTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forget_total",
			Help:      "Total number of forget operations",
		},
		[]string{"status"},
	)

	c.cacheHits = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_hits_total",
			Help:      "Embedding cache hits",
		},
	)

	c.cacheMisses = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_misses_total",
			Help:      "Embedding cache misses",
		},
	)

	return c
}

// RecordIngest records one ingest operation.
func (c *Collector) RecordIngest(status string, traces int, duration time.Duration) {
	c.ingestTotal.WithLabelValues(status).Inc()
	c.ingestDuration.Observe(duration.Seconds())
	c.tracesCreated.Add(float64(traces))
}

// RecordEmbedding records one embedding computation by outcome
// (computed or degraded).
func (c *Collector) RecordEmbedding(outcome string) {
	c.embeddingsTotal.WithLabelValues(outcome).Inc()
}

// RecordRecall records one recall operation.
func (c *Collector) RecordRecall(status string, duration time.Duration) {
	c.recallTotal.WithLabelValues(status).Inc()
	c.recallDuration.Observe(duration.Seconds())
}

// RecordConsolidation records one consolidation run.
func (c *Collector) RecordConsolidation(granularity, status string, duration time.Duration) {
	c.consolidationTotal.WithLabelValues(granularity, status).Inc()
	c.consolidationDuration.Observe(duration.Seconds())
}

// RecordForget records one forget operation.
func (c *Collector) RecordForget(status string) {
	c.forgetTotal.WithLabelValues(status).Inc()
}

// RecordCacheHit records an embedding cache hit.
func (c *Collector) RecordCacheHit() { c.cacheHits.Inc() }

// RecordCacheMiss records an embedding cache miss.
func (c *Collector) RecordCacheMiss() { c.cacheMisses.Inc() }
