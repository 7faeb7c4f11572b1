package webapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics is a set of collectors of the server, registered in its own registry
type metrics struct {
	registry     *prometheus.Registry
	checks       *prometheus.CounterVec
	updates      *prometheus.CounterVec
	cacheHits    prometheus.Counter
	cacheMisses  prometheus.Counter
	checkLatency prometheus.Histogram
}

func newMetrics(stats func() float64) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trie_spam_checks_total",
			Help: "Total number of checked messages by verdict.",
		}, []string{"verdict"}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trie_spam_model_updates_total",
			Help: "Total number of model updates by operation.",
		}, []string{"op"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trie_spam_check_cache_hits_total",
			Help: "Total number of check results served from cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trie_spam_check_cache_misses_total",
			Help: "Total number of check results computed by the model.",
		}),
		checkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trie_spam_check_duration_seconds",
			Help:    "Message check latency in seconds.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
	}
	m.registry.MustRegister(m.checks, m.updates, m.cacheHits, m.cacheMisses, m.checkLatency,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "trie_spam_distinct_words",
			Help: "Number of distinct words in the model.",
		}, stats))
	return m
}

// handler returns an HTTP handler exposing the server's metrics
func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
