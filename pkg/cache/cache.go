// Package cache implements the QueryCache (C5): a TTL+LRU cache of ranked
// search results, keyed by an exact fingerprint of the query. Grounded on
// the CachedEmbedder wrapping pattern, generalized from an unbounded
// hashicorp/golang-lru cache to the expirable variant so TTL expiry is
// handled by the cache itself rather than a side channel.
package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultMaxSize and DefaultTTL match spec.md §4.5's configuration defaults.
const (
	DefaultMaxSize = 1000
	DefaultTTL     = 5 * time.Minute
	fingerprintDims = 8
	roundDecimals   = 4
)

// Config configures a QueryCache, per spec.md §4.5.
type Config struct {
	MaxSize      int
	TTL          time.Duration
	StatsEnabled bool
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{MaxSize: DefaultMaxSize, TTL: DefaultTTL, StatsEnabled: true}
}

// Result is one ranked hit, independent of the source search path.
type Result struct {
	ID       string
	Score    float32
	Distance float32
}

// Stats mirrors spec.md §4.5's stats() shape.
type Stats struct {
	Hits          uint64
	Misses        uint64
	HitRate       float64
	Size          int
	Evictions     uint64
	AvgAccessTime time.Duration
}

// QueryCache is the fingerprint-keyed TTL+LRU cache of spec.md §4.5.
type QueryCache struct {
	cfg Config

	mu    sync.Mutex
	store *lru.LRU[string, []Result]

	hits          atomic.Uint64
	misses        atomic.Uint64
	evictions     atomic.Uint64
	totalAccessNs atomic.Uint64
	accessCount   atomic.Uint64
}

// New creates a QueryCache with the given configuration.
func New(cfg Config) *QueryCache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	c := &QueryCache{cfg: cfg}
	c.store = lru.NewLRU[string, []Result](cfg.MaxSize, c.onEvict, cfg.TTL)
	return c
}

func (c *QueryCache) onEvict(key string, value []Result) {
	c.evictions.Add(1)
}

// Fingerprint builds the exact-match cache key of spec.md §4.5: the first
// eight query coordinates rounded to a fixed decimal precision, plus k,
// metric, and threshold. Similarity-based hits are explicitly out of scope.
func Fingerprint(query []float32, k int, metric string, threshold float32) string {
	h := sha256.New()
	n := fingerprintDims
	if len(query) < n {
		n = len(query)
	}
	scale := float32(1)
	for i := 0; i < roundDecimals; i++ {
		scale *= 10
	}
	for i := 0; i < n; i++ {
		rounded := float32(int64(query[i]*scale+sign(query[i])*0.5)) / scale
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(rounded))
		h.Write(buf[:])
	}
	fmt.Fprintf(h, "|k=%d|metric=%s|threshold=%v", k, metric, threshold)
	return hex.EncodeToString(h.Sum(nil))
}

func sign(v float32) float32 {
	if v < 0 {
		return -1
	}
	return 1
}

// Get returns the cached results for key, or a miss. TTL expiry is handled
// internally by the underlying expirable LRU.
func (c *QueryCache) Get(key string) ([]Result, bool) {
	start := time.Now()
	c.mu.Lock()
	results, ok := c.store.Get(key)
	c.mu.Unlock()

	if c.cfg.StatsEnabled {
		c.recordAccess(time.Since(start))
		if ok {
			c.hits.Add(1)
		} else {
			c.misses.Add(1)
		}
	}
	return results, ok
}

// Put installs results under key. If at capacity, the expirable LRU evicts
// the oldest entry via onEvict before inserting, matching spec.md §4.5.
func (c *QueryCache) Put(key string, results []Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Add(key, results)
}

// InvalidateAll drops every entry, called on any write to the backend per
// spec.md §4.5's cache-consistency rule.
func (c *QueryCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Purge()
}

// Resize rebuilds the cache with a new capacity, evicting LRU entries
// beyond the new bound.
func (c *QueryCache) Resize(newMax int) {
	if newMax <= 0 {
		newMax = DefaultMaxSize
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.store
	c.cfg.MaxSize = newMax
	c.store = lru.NewLRU[string, []Result](newMax, c.onEvict, c.cfg.TTL)
	for _, key := range old.Keys() {
		if v, ok := old.Peek(key); ok {
			c.store.Add(key, v)
		}
	}
}

func (c *QueryCache) recordAccess(d time.Duration) {
	c.totalAccessNs.Add(uint64(d.Nanoseconds()))
	c.accessCount.Add(1)
}

// Stats reports the counters of spec.md §4.5.
func (c *QueryCache) Stats() Stats {
	c.mu.Lock()
	size := c.store.Len()
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	var avg time.Duration
	if n := c.accessCount.Load(); n > 0 {
		avg = time.Duration(c.totalAccessNs.Load() / n)
	}
	return Stats{
		Hits:          hits,
		Misses:        misses,
		HitRate:       hitRate,
		Size:          size,
		Evictions:     c.evictions.Load(),
		AvgAccessTime: avg,
	}
}
