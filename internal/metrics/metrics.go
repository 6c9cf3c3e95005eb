// Package metrics holds the Prometheus collectors of the ingestion pipeline.
//
// A Collector is created once and passed to each component; there are no
// package-level metrics. All methods are safe on a nil *Collector.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "contexta_ingest"

// Collector groups the pipeline metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	cacheLookups  *prometheus.CounterVec
	cacheLatency  *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	documents     *prometheus.CounterVec
	embedBatches  *prometheus.CounterVec
	embedRetries  prometheus.Counter
	jobs          *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classification_cache",
			Name:      "lookups_total",
			Help:      "Classification cache lookups by outcome (hit, miss, error, bypass).",
		}, []string{"outcome"}),
		cacheLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "classification_cache",
			Name:      "latency_seconds",
			Help:      "Classification latency split by cache hit or miss.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Per-document stage duration.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "documents_total",
			Help:      "Documents processed by final status.",
		}, []string{"status"}),
		embedBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "batches_total",
			Help:      "Embedding batches by status.",
		}, []string{"status"}),
		embedRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "retries_total",
			Help:      "Embedding calls retried after a retryable failure.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "transitions_total",
			Help:      "Job state transitions.",
		}, []string{"state"}),
	}

	c.registry.MustRegister(
		c.cacheLookups, c.cacheLatency, c.stageDuration,
		c.documents, c.embedBatches, c.embedRetries, c.jobs,
		collectors.NewGoCollector(),
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) CacheLookup(outcome string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(outcome).Inc()
}

func (c *Collector) CacheLatency(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.cacheLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

func (c *Collector) StageDuration(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (c *Collector) Document(status string) {
	if c == nil {
		return
	}
	c.documents.WithLabelValues(status).Inc()
}

func (c *Collector) EmbedBatch(status string) {
	if c == nil {
		return
	}
	c.embedBatches.WithLabelValues(status).Inc()
}

func (c *Collector) EmbedRetry() {
	if c == nil {
		return
	}
	c.embedRetries.Inc()
}

func (c *Collector) JobTransition(state string) {
	if c == nil {
		return
	}
	c.jobs.WithLabelValues(state).Inc()
}
