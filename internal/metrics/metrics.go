// Package metrics exposes Prometheus collectors for search, analysis and chat streaming.
//
// All recording methods are safe to call on a nil *Metrics, so services can run without it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat_history"

type Metrics struct {
	registry *prometheus.Registry

	searchLatency      prometheus.Histogram
	searchRequests     *prometheus.CounterVec
	searchResults      *prometheus.CounterVec
	searchSkipped      prometheus.Counter
	queryCacheLookups  *prometheus.CounterVec
	analysisRequests   *prometheus.CounterVec
	analysisLatency    prometheus.Histogram
	chatTurns          *prometheus.CounterVec
	chatFragments      prometheus.Counter
	chatStreamDuration prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	buckets := []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60}

	m := &Metrics{registry: registry}

	m.searchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "latency_seconds",
		Help:      "Hybrid search latency in seconds",
		Buckets:   buckets,
	})
	m.searchRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "requests_total",
		Help:      "Total number of search requests by outcome",
	}, []string{"status"})
	m.searchResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "results_total",
		Help:      "Conversations returned by search, by the pass that found them",
	}, []string{"source"})
	m.searchSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "skipped_embeddings_total",
		Help:      "Stored embeddings skipped because their dimension did not match the query",
	})
	m.queryCacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "query_cache_lookups_total",
		Help:      "Query embedding cache lookups by result",
	}, []string{"result"})
	m.analysisRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "analysis",
		Name:      "requests_total",
		Help:      "Total number of conversation analyses by outcome",
	}, []string{"status"})
	m.analysisLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "analysis",
		Name:      "latency_seconds",
		Help:      "Conversation analysis latency in seconds",
		Buckets:   buckets,
	})
	m.chatTurns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chat",
		Name:      "turns_total",
		Help:      "Total number of streamed chat turns by outcome",
	}, []string{"status"})
	m.chatFragments = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chat",
		Name:      "fragments_total",
		Help:      "Total number of streamed reply fragments relayed to clients",
	})
	m.chatStreamDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "chat",
		Name:      "stream_duration_seconds",
		Help:      "Duration of a streamed chat reply in seconds",
		Buckets:   buckets,
	})

	registry.MustRegister(
		m.searchLatency,
		m.searchRequests,
		m.searchResults,
		m.searchSkipped,
		m.queryCacheLookups,
		m.analysisRequests,
		m.analysisLatency,
		m.chatTurns,
		m.chatFragments,
		m.chatStreamDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveSearch(status string, d time.Duration, semantic, keyword int) {
	if m == nil {
		return
	}
	m.searchRequests.WithLabelValues(status).Inc()
	m.searchLatency.Observe(d.Seconds())
	m.searchResults.WithLabelValues("semantic").Add(float64(semantic))
	m.searchResults.WithLabelValues("keyword").Add(float64(keyword))
}

func (m *Metrics) SkippedEmbedding() {
	if m == nil {
		return
	}
	m.searchSkipped.Inc()
}

func (m *Metrics) QueryCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.queryCacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveAnalysis(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.analysisRequests.WithLabelValues(status).Inc()
	m.analysisLatency.Observe(d.Seconds())
}

func (m *Metrics) ChatFragment() {
	if m == nil {
		return
	}
	m.chatFragments.Inc()
}

func (m *Metrics) ObserveChatTurn(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.chatTurns.WithLabelValues(status).Inc()
	m.chatStreamDuration.Observe(d.Seconds())
}
