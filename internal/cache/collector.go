package cache

import "github.com/prometheus/client_golang/prometheus"

// Collector exports Cache.Metrics to Prometheus on every scrape.
type Collector struct {
	cache   *Cache
	size    *prometheus.Desc
	expired *prometheus.Desc
	pending *prometheus.Desc
	hits    *prometheus.Desc
	misses  *prometheus.Desc
}

// NewCollector returns a Collector for c.
func NewCollector(c *Cache) *Collector {
	return &Collector{
		cache:   c,
		size:    prometheus.NewDesc("refnet_cache_entries", "Entries currently held, including expired ones.", nil, nil),
		expired: prometheus.NewDesc("refnet_cache_expired_entries", "Entries past their expiry awaiting cleanup.", nil, nil),
		pending: prometheus.NewDesc("refnet_cache_pending_fetches", "Fetches currently in flight.", nil, nil),
		hits:    prometheus.NewDesc("refnet_cache_hits_total", "Cache hits.", nil, nil),
		misses:  prometheus.NewDesc("refnet_cache_misses_total", "Cache misses.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.expired
	ch <- c.pending
	ch <- c.hits
	ch <- c.misses
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.cache.Metrics()
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(m.Size))
	ch <- prometheus.MustNewConstMetric(c.expired, prometheus.GaugeValue, float64(m.Expired))
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(m.Pending))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(m.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(m.Misses))
}
