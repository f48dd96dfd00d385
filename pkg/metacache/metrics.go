package metacache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// cacheMetrics holds Prometheus metrics for metadata lookups.
type cacheMetrics struct {
	hits     prometheus.Counter
	misses   prometheus.Counter
	computes prometheus.Counter
	errors   prometheus.Counter
}

// newCacheMetrics creates and registers cache metrics. A nil registerer
// disables metrics.
func newCacheMetrics(reg prometheus.Registerer, namespace, tier string) (*cacheMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"tier": tier}
	m := &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "metadata_cache",
			Name:        "hits_total",
			ConstLabels: labels,
			Help:        "Total number of metadata cache hits",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "metadata_cache",
			Name:        "misses_total",
			ConstLabels: labels,
			Help:        "Total number of metadata cache misses",
		}),
		computes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "metadata_cache",
			Name:        "computes_total",
			ConstLabels: labels,
			Help:        "Total number of metadata recomputations",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "metadata_cache",
			Name:        "errors_total",
			ConstLabels: labels,
			Help:        "Total number of failed computations or backing store errors",
		}),
	}

	for _, c := range []prometheus.Collector{m.hits, m.misses, m.computes, m.errors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *cacheMetrics) recordHit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *cacheMetrics) recordMiss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *cacheMetrics) recordCompute() {
	if m != nil {
		m.computes.Inc()
	}
}

func (m *cacheMetrics) recordError() {
	if m != nil {
		m.errors.Inc()
	}
}
