package cache

import (
	"context"
	"time"

	"github.com/star/orbitrack/internal/catalog"
	"github.com/star/orbitrack/internal/metrics"
)

// Start begins the background cache maintenance loop. It performs an initial
// warmup (filling the full [now, now+horizon] window and the ground tracks),
// then continuously:
//   - Generates new frames at the leading edge
//   - Evicts expired entries from the trailing edge
//   - Detects catalog changes and triggers cutover
//
// Blocks until ctx is cancelled.
func (c *FrameCache) Start(ctx context.Context) {
	if !c.waitForCatalog(ctx) {
		return
	}

	c.warmup(ctx)

	ticker := time.NewTicker(c.config.Step)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("cache generator stopped")
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// waitForCatalog blocks until a dataset is available in the store,
// checking every second. Returns false if ctx is cancelled.
func (c *FrameCache) waitForCatalog(ctx context.Context) bool {
	if c.store.Get() != nil {
		return true
	}

	c.logger.Info("cache waiting for catalog")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if c.store.Get() != nil {
				c.logger.Info("catalog available, starting cache warmup")
				return true
			}
		}
	}
}

// warmup fills the cache with frames for [now, now+horizon] and builds the
// ground tracks.
func (c *FrameCache) warmup(ctx context.Context) {
	ds := c.store.Get()
	if ds == nil {
		return
	}
	c.currentFetchedAt = ds.FetchedAt

	now := c.RoundToStep(time.Now())
	numFrames := c.numFrames()

	c.logger.Info("cache warmup starting",
		"frames", numFrames,
		"from", now.Format(time.RFC3339),
		"to", now.Add(c.config.Horizon).Format(time.RFC3339),
	)

	start := time.Now()
	generated := 0

	for i := 0; i < numFrames; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		targetTime := now.Add(time.Duration(i) * c.config.Step)
		f, err := c.prop.PropagateDataset(ctx, ds, targetTime)
		if err != nil {
			c.logger.Warn("warmup propagation failed", "timestamp", targetTime, "error", err)
			metrics.IncCacheRegenerationErrors()
			continue
		}

		c.put(f)
		generated++
	}

	c.buildTracks(ctx, ds)

	c.logger.Info("cache warmup complete",
		"generated", generated,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// buildTracks samples the ground tracks of ds and publishes them.
func (c *FrameCache) buildTracks(ctx context.Context, ds *catalog.Dataset) bool {
	tracks, err := c.prop.Tracks(ctx, ds)
	if err != nil {
		c.logger.Warn("track generation failed", "error", err)
		metrics.IncCacheRegenerationErrors()
		return false
	}
	c.tracks.Store(&TrackSet{
		FetchedAt:   ds.FetchedAt,
		GeneratedAt: time.Now(),
		Tracks:      tracks,
	})
	return true
}

// tick runs one iteration of the maintenance loop.
func (c *FrameCache) tick(ctx context.Context) {
	if c.catalogChanged() {
		c.performCutover(ctx)
		return
	}

	c.generateLeadingEdge(ctx)
	c.evictExpired()
}

// generateLeadingEdge generates the frame at the leading edge of the window.
func (c *FrameCache) generateLeadingEdge(ctx context.Context) {
	ds := c.store.Get()
	if ds == nil {
		return
	}
	target := c.RoundToStep(time.Now().Add(c.config.Horizon))

	c.mu.RLock()
	_, cached := c.entries[target]
	c.mu.RUnlock()
	if cached {
		return
	}

	start := time.Now()
	f, err := c.prop.PropagateDataset(ctx, ds, target)
	duration := time.Since(start)

	if err != nil {
		c.logger.Warn("leading edge generation failed",
			"timestamp", target.Format(time.RFC3339),
			"error", err,
		)
		metrics.IncCacheRegenerationErrors()
		return
	}

	c.put(f)
	metrics.ObserveCacheRegenerationDuration(duration)

	c.logger.Debug("leading edge generated",
		"timestamp", target.Format(time.RFC3339),
		"duration_ms", duration.Milliseconds(),
	)
}

func (c *FrameCache) numFrames() int {
	return int(c.config.Horizon/c.config.Step) + 1
}
