package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Cache-level metrics. All carry a "cache" label naming the cache tier
// ("memory", "disk", "redis", ...), so several tiers can share one dashboard.
var (
	// CacheHitsTotal counts successful cache lookups per tier.
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits.",
		},
		[]string{"cache"},
	)

	// CacheMissesTotal counts failed cache lookups per tier.
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses.",
		},
		[]string{"cache"},
	)

	// CacheEvictionsTotal counts evicted entries per tier.
	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Total number of entries evicted from the cache.",
		},
		[]string{"cache"},
	)

	// CacheWritesTotal counts write transactions per tier and outcome (commit, abort).
	CacheWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_writes_total",
			Help: "Total number of cache write transactions by outcome.",
		},
		[]string{"cache", "outcome"},
	)
)

// Engine and fetcher metrics.
var (
	ImageLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "image_loads_total",
			Help: "Total number of image loads by the tier that served them.",
		},
		[]string{"source"},
	)

	StaleResultsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "image_stale_results_total",
			Help: "Total number of completed loads discarded because the sink was rebound.",
		},
	)

	ImageFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "image_fetches_total",
			Help: "Total number of network image fetches by status.",
		},
		[]string{"status"},
	)

	ImageFetchBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "image_fetch_bytes_total",
			Help: "Total number of bytes downloaded from the network.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		CacheWritesTotal,
		ImageLoadsTotal,
		StaleResultsTotal,
		ImageFetchesTotal,
		ImageFetchBytesTotal,
	)
}

// gaugeFuncCollector lazily reports a single gauge value by calling valueFunc
// at scrape time, so the reported size is never stale.
type gaugeFuncCollector struct {
	desc      *prometheus.Desc
	valueFunc func() float64
}

func (c *gaugeFuncCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *gaugeFuncCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, c.valueFunc())
}

var (
	collectorMu sync.Mutex
	collectors  = make(map[string]*gaugeFuncCollector)
	// Registerer is used for the lazy size collectors.
	// Exposed as a variable so tests can substitute an isolated registry.
	Registerer prometheus.Registerer = prometheus.DefaultRegisterer
)

// RegisterCacheSize registers lazy "cache_entries" and "cache_bytes" gauges
// for the given tier. Registering a tier twice replaces the previous
// collectors, which keeps repeated construction in tests safe.
func RegisterCacheSize(group string, entries func() int, bytes func() int64) {
	register(group, "cache_entries", "Current number of entries in the cache.",
		func() float64 { return float64(entries()) })
	register(group, "cache_bytes", "Current number of bytes held by the cache.",
		func() float64 { return float64(bytes()) })
}

// UnregisterCacheSize removes the collectors registered for the given tier.
func UnregisterCacheSize(group string) {
	collectorMu.Lock()
	defer collectorMu.Unlock()
	for _, name := range []string{"cache_entries", "cache_bytes"} {
		id := name + "/" + group
		if c, ok := collectors[id]; ok {
			Registerer.Unregister(c)
			delete(collectors, id)
		}
	}
}

func register(group, name, help string, valueFunc func() float64) {
	desc := prometheus.NewDesc(name, help, nil, prometheus.Labels{"cache": group})
	c := &gaugeFuncCollector{desc: desc, valueFunc: valueFunc}
	id := name + "/" + group

	collectorMu.Lock()
	defer collectorMu.Unlock()
	if old, ok := collectors[id]; ok {
		Registerer.Unregister(old)
	}
	collectors[id] = c
	_ = Registerer.Register(c)
}

// HasCacheSize reports whether size collectors are registered for group.
func HasCacheSize(group string) bool {
	collectorMu.Lock()
	defer collectorMu.Unlock()
	_, ok := collectors["cache_bytes/"+group]
	return ok
}
