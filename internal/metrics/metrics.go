// Package metrics exposes cache counters via Prometheus. The counters are
// a derived view over the cache, never a source of truth; durable numbers
// are rebuilt from the store with Snapshot.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the cache counter set. A nil *Metrics is valid and all
// methods are no-ops, so components can run uninstrumented in tests.
type Metrics struct {
	registry *prometheus.Registry

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	evictions   *prometheus.CounterVec
	syncRuns    *prometheus.CounterVec
	queueOps    *prometheus.CounterVec
}

// New creates a metrics set on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msgvault_cache_hits_total",
			Help: "Cache hits by layer (memory, persistent).",
		}, []string{"layer"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msgvault_cache_misses_total",
			Help: "Cache misses by layer (memory, persistent).",
		}, []string{"layer"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msgvault_evictions_total",
			Help: "Evicted items by kind (media, chat).",
		}, []string{"kind"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msgvault_sync_runs_total",
			Help: "Conversation sync attempts by result (ok, error).",
		}, []string{"result"}),
		queueOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msgvault_queue_ops_total",
			Help: "Offline queue operations by outcome (completed, retried, failed).",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(m.cacheHits, m.cacheMisses, m.evictions, m.syncRuns, m.queueOps)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheHit(layer string) {
	if m != nil {
		m.cacheHits.WithLabelValues(layer).Inc()
	}
}

func (m *Metrics) CacheMiss(layer string) {
	if m != nil {
		m.cacheMisses.WithLabelValues(layer).Inc()
	}
}

func (m *Metrics) Eviction(kind string) {
	if m != nil {
		m.evictions.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SyncRun(result string) {
	if m != nil {
		m.syncRuns.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) QueueOp(outcome string) {
	if m != nil {
		m.queueOps.WithLabelValues(outcome).Inc()
	}
}
