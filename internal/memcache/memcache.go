// Package memcache is the in-process tier of the image cache: a
// least-recently-used map of decoded images bounded by their byte cost.
package memcache

import (
	"image"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/Belphemur/ImageCache/internal/metrics"
	"github.com/Belphemur/ImageCache/internal/sysinfo"
)

// CostFunc returns the number of bytes an image accounts for in the budget.
type CostFunc func(img image.Image) int64

// EvictCallback is called when an entry leaves the cache through eviction,
// removal or purge. It is the place to release resources tied to img.
type EvictCallback func(key string, img image.Image)

// Options configures a Cache.
type Options struct {
	// MaxBytes is the cost budget. Zero selects DefaultMaxBytes(8).
	MaxBytes int64
	// Cost computes the cost of an image. Defaults to ImageCost.
	Cost CostFunc
	// OnEvict is called for every entry that leaves the cache.
	OnEvict EvictCallback
	// Group labels the Prometheus metrics. Metrics are skipped when empty.
	Group string
}

type entry struct {
	img  image.Image
	cost int64
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[string, entry]
	used    int64
	max     int64
	cost    CostFunc
	onEvict EvictCallback
	group   string
}

// DefaultMaxBytes returns 1/fraction of the memory the process may use.
func DefaultMaxBytes(fraction int) int64 {
	if fraction <= 0 {
		fraction = 8
	}
	mem := sysinfo.MaxMemory() / uint64(fraction)
	if mem > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(mem)
}

// New creates a Cache.
func New(opts Options) *Cache {
	c := &Cache{
		max:     opts.MaxBytes,
		cost:    opts.Cost,
		onEvict: opts.OnEvict,
		group:   opts.Group,
	}
	if c.max <= 0 {
		c.max = DefaultMaxBytes(8)
	}
	if c.cost == nil {
		c.cost = ImageCost
	}
	// Entry count is unbounded; the byte budget is enforced in Put.
	c.lru, _ = simplelru.NewLRU[string, entry](math.MaxInt, c.evicted)
	if c.group != "" {
		metrics.RegisterCacheSize(c.group, c.Len, c.Size)
	}
	return c
}

// evicted runs under c.mu for every entry leaving the LRU.
func (c *Cache) evicted(key string, e entry) {
	c.used -= e.cost
	if c.onEvict != nil {
		c.onEvict(key, e.img)
	}
}

// Put inserts img under key unless the key is already present. It reports
// whether the image was stored. Images costing more than the whole budget
// are never stored.
func (c *Cache) Put(key string, img image.Image) bool {
	if img == nil {
		return false
	}
	cost := c.cost(img)
	if cost > c.max {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru.Contains(key) {
		return false
	}
	c.lru.Add(key, entry{img: img, cost: cost})
	c.used += cost

	evictions := 0
	for c.used > c.max {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		evictions++
	}
	if c.group != "" && evictions > 0 {
		metrics.CacheEvictionsTotal.WithLabelValues(c.group).Add(float64(evictions))
	}
	return true
}

// Get returns the image stored under key and marks it most recently used.
func (c *Cache) Get(key string) (image.Image, bool) {
	c.mu.Lock()
	e, ok := c.lru.Get(key)
	c.mu.Unlock()

	if c.group != "" {
		if ok {
			metrics.CacheHitsTotal.WithLabelValues(c.group).Inc()
		} else {
			metrics.CacheMissesTotal.WithLabelValues(c.group).Inc()
		}
	}
	if !ok {
		return nil, false
	}
	return e.img, true
}

// Contains reports whether key is cached without affecting recency.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

// Remove drops key from the cache.
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Keys returns the cached keys from oldest to newest.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Len returns the number of cached images.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Size returns the total cost of the cached images.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// MaxSize returns the cost budget.
func (c *Cache) MaxSize() int64 {
	return c.max
}

// Close unregisters the size collectors.
func (c *Cache) Close() error {
	if c.group != "" {
		metrics.UnregisterCacheSize(c.group)
	}
	return nil
}
