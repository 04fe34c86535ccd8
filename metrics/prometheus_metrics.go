package metrics

import (
	"github.com/cyverse/imagecache-common/cache"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultNamespace is the default Prometheus namespace
	DefaultNamespace string = "imagecache"
)

// PrometheusMetrics implements cache.Metrics with Prometheus counters and gauges labeled by tier
type PrometheusMetrics struct {
	hits        *prometheus.CounterVec
	misses      *prometheus.CounterVec
	evictions   *prometheus.CounterVec
	drops       *prometheus.CounterVec
	sizeEntries *prometheus.GaugeVec
	sizeBytes   *prometheus.GaugeVec
}

// NewPrometheusMetrics creates PrometheusMetrics and registers its collectors
// the default registerer is used when registerer is nil
func NewPrometheusMetrics(registerer prometheus.Registerer, namespace string) (*PrometheusMetrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	if len(namespace) == 0 {
		namespace = DefaultNamespace
	}

	metrics := &PrometheusMetrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hits_total",
			Help:      "Cache hits",
		}, []string{"tier"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "misses_total",
			Help:      "Cache misses, expired entries included",
		}, []string{"tier"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Entries removed by reason",
		}, []string{"tier", "reason"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drops_total",
			Help:      "Written payloads not cached by reason",
		}, []string{"tier", "reason"}),
		sizeEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "size_entries",
			Help:      "Number of resident entries",
		}, []string{"tier"}),
		sizeBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "size_bytes",
			Help:      "Total resident bytes",
		}, []string{"tier"}),
	}

	collectors := []prometheus.Collector{
		metrics.hits,
		metrics.misses,
		metrics.evictions,
		metrics.drops,
		metrics.sizeEntries,
		metrics.sizeBytes,
	}

	for _, collector := range collectors {
		err := registerer.Register(collector)
		if err != nil {
			return nil, err
		}
	}

	return metrics, nil
}

// Hit increments the hit counter of the tier
func (metrics *PrometheusMetrics) Hit(tier string) {
	metrics.hits.WithLabelValues(tier).Inc()
}

// Miss increments the miss counter of the tier
func (metrics *PrometheusMetrics) Miss(tier string) {
	metrics.misses.WithLabelValues(tier).Inc()
}

// Evict adds removed entries to the eviction counter
func (metrics *PrometheusMetrics) Evict(tier string, reason cache.EvictReason, entries int) {
	if entries <= 0 {
		return
	}
	metrics.evictions.WithLabelValues(tier, reason.String()).Add(float64(entries))
}

// Drop increments the drop counter
func (metrics *PrometheusMetrics) Drop(tier string, reason cache.DropReason) {
	metrics.drops.WithLabelValues(tier, reason.String()).Inc()
}

// Size sets resident size gauges of the tier
func (metrics *PrometheusMetrics) Size(tier string, entries int, bytes int64) {
	metrics.sizeEntries.WithLabelValues(tier).Set(float64(entries))
	metrics.sizeBytes.WithLabelValues(tier).Set(float64(bytes))
}

var _ cache.Metrics = (*PrometheusMetrics)(nil)
