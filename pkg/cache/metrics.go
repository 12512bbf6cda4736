package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is anything that reports cache statistics.
type StatsSource interface {
	Name() string
	Stats() Stats
}

var (
	hitsDesc = prometheus.NewDesc("fable_cache_hits_total",
		"Number of cache reads that returned a live entry.", []string{"cache"}, nil)
	missesDesc = prometheus.NewDesc("fable_cache_misses_total",
		"Number of cache reads for absent or expired entries.", []string{"cache"}, nil)
	setsDesc = prometheus.NewDesc("fable_cache_sets_total",
		"Number of cache writes.", []string{"cache"}, nil)
	evictionsDesc = prometheus.NewDesc("fable_cache_evictions_total",
		"Number of entries removed because they expired.", []string{"cache"}, nil)
	sizeDesc = prometheus.NewDesc("fable_cache_entries",
		"Number of entries currently stored.", []string{"cache"}, nil)
)

type collector struct {
	sources []StatsSource
}

// NewCollector exports the stats of the given caches as Prometheus metrics.
func NewCollector(sources ...StatsSource) prometheus.Collector {
	return &collector{sources: sources}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- hitsDesc
	ch <- missesDesc
	ch <- setsDesc
	ch <- evictionsDesc
	ch <- sizeDesc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, src := range c.sources {
		s := src.Stats()
		name := src.Name()
		ch <- prometheus.MustNewConstMetric(hitsDesc, prometheus.CounterValue, float64(s.Hits), name)
		ch <- prometheus.MustNewConstMetric(missesDesc, prometheus.CounterValue, float64(s.Misses), name)
		ch <- prometheus.MustNewConstMetric(setsDesc, prometheus.CounterValue, float64(s.Sets), name)
		ch <- prometheus.MustNewConstMetric(evictionsDesc, prometheus.CounterValue, float64(s.Evictions), name)
		ch <- prometheus.MustNewConstMetric(sizeDesc, prometheus.GaugeValue, float64(s.Size), name)
	}
}
