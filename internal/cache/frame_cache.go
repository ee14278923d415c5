// Package cache keeps precomputed position frames and ground tracks for the
// current catalog.
//
// Frames cover a rolling window [now, now+horizon]. A background worker
// generates frames at the leading edge and evicts expired ones from the
// trailing edge. Ground tracks depend only on the elements, so they are
// rebuilt once per dataset. When the catalog changes the cache is rebuilt
// without interrupting reads.
package cache

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/star/orbitrack/internal/catalog"
	"github.com/star/orbitrack/internal/metrics"
	"github.com/star/orbitrack/internal/propagation"
)

// Config holds cache configuration.
type Config struct {
	Step        time.Duration // Frame interval (default: 5s)
	Horizon     time.Duration // How far ahead to cache (default: 600s)
	GracePeriod time.Duration // Old frames still answer misses this long after a cutover (default: 30s)
	Buffer      time.Duration // Keep entries this long past expiration (default: 60s)
}

// Entry wraps a frame with generation metadata.
type Entry struct {
	Frame       *propagation.Frame
	GeneratedAt time.Time
}

// TrackSet is the ground tracks of one dataset.
type TrackSet struct {
	FetchedAt   time.Time           `json:"fetched_at"`
	GeneratedAt time.Time           `json:"generated_at"`
	Tracks      []propagation.Track `json:"tracks"`
}

// FrameCache is an in-memory cache of frames with a rolling window, plus the
// ground tracks of the current dataset. Safe for concurrent use.
type FrameCache struct {
	mu      sync.RWMutex
	entries map[time.Time]*Entry

	// Frames from the previous dataset, consulted on a miss until graceUntil.
	previous   map[time.Time]*Entry
	graceUntil time.Time

	tracks atomic.Pointer[TrackSet]

	config Config
	prop   *propagation.Propagator
	store  *catalog.Store
	logger *slog.Logger

	// FetchedAt of the dataset the cache was built from.
	currentFetchedAt time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	rebuilding atomic.Bool
}

// NewFrameCache creates a new frame cache.
func NewFrameCache(config Config, prop *propagation.Propagator, store *catalog.Store, logger *slog.Logger) *FrameCache {
	logger.Info("cache initialized",
		"step_seconds", config.Step.Seconds(),
		"horizon_seconds", config.Horizon.Seconds(),
		"buffer_seconds", config.Buffer.Seconds(),
		"grace_period_seconds", config.GracePeriod.Seconds(),
	)

	return &FrameCache{
		entries: make(map[time.Time]*Entry),
		config:  config,
		prop:    prop,
		store:   store,
		logger:  logger,
	}
}

// Config returns the cache configuration.
func (c *FrameCache) Config() Config {
	return c.config
}

// RoundToStep rounds a timestamp down to the nearest step boundary so
// lookups hit consistently.
func (c *FrameCache) RoundToStep(t time.Time) time.Time {
	return t.UTC().Truncate(c.config.Step)
}

// Get returns the frame for the given timestamp, or nil if not cached.
func (c *FrameCache) Get(t time.Time) *propagation.Frame {
	key := c.RoundToStep(t)

	c.mu.RLock()
	entry, ok := c.lookup(key, time.Now())
	c.mu.RUnlock()

	if ok {
		c.hits.Add(1)
		metrics.IncCacheHits()
		return entry.Frame
	}

	c.misses.Add(1)
	metrics.IncCacheMisses()
	return nil
}

// lookup finds key in the current entries, falling back to the previous
// dataset's frames during the grace period. Caller holds mu.
func (c *FrameCache) lookup(key, now time.Time) (*Entry, bool) {
	if entry, ok := c.entries[key]; ok {
		return entry, true
	}
	if c.previous != nil && now.Before(c.graceUntil) {
		entry, ok := c.previous[key]
		return entry, ok
	}
	return nil, false
}

// GetRecent returns up to count frames before (and including) time t,
// ordered oldest-first. Used to build trails behind each object.
func (c *FrameCache) GetRecent(t time.Time, count int) []*propagation.Frame {
	if count <= 0 {
		return nil
	}

	key := c.RoundToStep(t)
	now := time.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*propagation.Frame, 0, count)
	for i := count - 1; i >= 0; i-- {
		ts := key.Add(-time.Duration(i) * c.config.Step)
		if entry, ok := c.lookup(ts, now); ok {
			result = append(result, entry.Frame)
		}
	}
	return result
}

// GetLatest returns the frame closest to (but not after) the current time.
func (c *FrameCache) GetLatest() *propagation.Frame {
	now := time.Now()
	key := c.RoundToStep(now)

	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := 0; i < 10; i++ {
		if entry, ok := c.lookup(key.Add(-time.Duration(i)*c.config.Step), now); ok {
			c.hits.Add(1)
			metrics.IncCacheHits()
			return entry.Frame
		}
	}

	c.misses.Add(1)
	metrics.IncCacheMisses()
	return nil
}

// Tracks returns the ground tracks of the dataset the cache was last built
// from, or nil before the first build.
func (c *FrameCache) Tracks() *TrackSet {
	return c.tracks.Load()
}

// put stores a frame in the cache. Caller must not hold mu.
func (c *FrameCache) put(f *propagation.Frame) {
	key := c.RoundToStep(f.Timestamp)
	entry := &Entry{
		Frame:       f,
		GeneratedAt: time.Now(),
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()

	c.updateMetrics()
}

// evictExpired removes entries older than now - buffer and drops the
// previous dataset's frames once the grace period is over.
func (c *FrameCache) evictExpired() int {
	now := time.Now()
	cutoff := now.Add(-c.config.Buffer)
	var removed int

	c.mu.Lock()
	for ts := range c.entries {
		if ts.Before(cutoff) {
			delete(c.entries, ts)
			removed++
		}
	}
	if c.previous != nil && !now.Before(c.graceUntil) {
		removed += len(c.previous)
		c.previous = nil
		metrics.SetCacheGracePeriodActive(c.rebuilding.Load())
	}
	c.mu.Unlock()

	if removed > 0 {
		c.evictions.Add(int64(removed))
		metrics.AddCacheEvictions(removed)
		c.updateMetrics()
		c.logger.Debug("cache eviction", "entries_removed", removed)
	}

	return removed
}

// replaceAll swaps in a new set of entries. The old ones keep answering
// misses for the grace period.
func (c *FrameCache) replaceAll(newEntries map[time.Time]*Entry) {
	c.mu.Lock()
	if c.config.GracePeriod > 0 && len(c.entries) > 0 {
		c.previous = c.entries
		c.graceUntil = time.Now().Add(c.config.GracePeriod)
	} else {
		c.previous = nil
	}
	c.entries = newEntries
	c.mu.Unlock()
	c.updateMetrics()
}

// InGracePeriod reports whether a rebuild is running or old frames are
// still being served.
func (c *FrameCache) InGracePeriod() bool {
	if c.rebuilding.Load() {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.previous != nil && time.Now().Before(c.graceUntil)
}

// Stats returns current cache statistics.
func (c *FrameCache) Stats() Stats {
	c.mu.RLock()
	count := len(c.entries)

	var oldest, newest time.Time
	for ts := range c.entries {
		if oldest.IsZero() || ts.Before(oldest) {
			oldest = ts
		}
		if newest.IsZero() || ts.After(newest) {
			newest = ts
		}
	}
	c.mu.RUnlock()

	var tracks int
	if ts := c.tracks.Load(); ts != nil {
		tracks = len(ts.Tracks)
	}

	return Stats{
		Entries:         count,
		Tracks:          tracks,
		SizeBytes:       c.estimateSizeBytes(),
		OldestTimestamp: oldest,
		NewestTimestamp: newest,
		Hits:            c.hits.Load(),
		Misses:          c.misses.Load(),
		Evictions:       c.evictions.Load(),
		InGracePeriod:   c.InGracePeriod(),
	}
}

// Stats holds cache statistics for the stats endpoint.
type Stats struct {
	Entries         int
	Tracks          int
	SizeBytes       int64
	OldestTimestamp time.Time
	NewestTimestamp time.Time
	Hits            int64
	Misses          int64
	Evictions       int64
	InGracePeriod   bool
}

// estimateSizeBytes returns a rough estimate of the cache memory footprint.
func (c *FrameCache) estimateSizeBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	posSize := int64(unsafe.Sizeof(propagation.ObjectPosition{}))
	var total int64
	for _, entry := range c.entries {
		if entry.Frame == nil {
			continue
		}
		// Frame overhead: Timestamp(24) + slice header(24); Entry: pointer(8) + GeneratedAt(24).
		total += int64(len(entry.Frame.Objects))*posSize + 48 + 32
	}

	// Map overhead (rough: 8 bytes per bucket).
	total += int64(len(c.entries)) * 8

	if ts := c.tracks.Load(); ts != nil {
		pointSize := int64(unsafe.Sizeof(propagation.PathPoint{}))
		for _, tr := range ts.Tracks {
			total += int64(len(tr.Coords))*pointSize + int64(unsafe.Sizeof(tr))
		}
	}

	return total
}

// updateMetrics publishes current cache size to Prometheus.
func (c *FrameCache) updateMetrics() {
	c.mu.RLock()
	count := len(c.entries)
	c.mu.RUnlock()

	metrics.SetCacheEntries(count)
	metrics.SetCacheSizeBytes(c.estimateSizeBytes())
}
