package cache

import (
	"context"
	"time"

	"github.com/star/orbitrack/internal/metrics"
)

// catalogChanged reports whether the dataset has been replaced since the
// cache was last built.
func (c *FrameCache) catalogChanged() bool {
	ds := c.store.Get()
	if ds == nil {
		return false
	}
	return !ds.FetchedAt.Equal(c.currentFetchedAt)
}

// performCutover rebuilds frames and ground tracks from the new dataset.
//
//  1. Set the rebuilding flag (old frames keep serving reads)
//  2. Build the new window and tracks off to the side
//  3. Swap entries; old frames answer misses for the grace period
//  4. Clear the rebuilding flag
func (c *FrameCache) performCutover(ctx context.Context) {
	ds := c.store.Get()
	if ds == nil {
		return
	}

	c.logger.Info("catalog cutover starting",
		"old_dataset_fetched_at", c.currentFetchedAt.UTC().Format(time.RFC3339),
		"new_dataset_fetched_at", ds.FetchedAt.UTC().Format(time.RFC3339),
		"objects", ds.Len(),
	)

	c.rebuilding.Store(true)
	metrics.SetCacheGracePeriodActive(true)

	start := time.Now()
	now := c.RoundToStep(time.Now())
	numFrames := c.numFrames()

	newEntries := make(map[time.Time]*Entry, numFrames)
	generated := 0

	for i := 0; i < numFrames; i++ {
		select {
		case <-ctx.Done():
			c.rebuilding.Store(false)
			metrics.SetCacheGracePeriodActive(false)
			c.logger.Warn("cutover cancelled by context")
			return
		default:
		}

		targetTime := now.Add(time.Duration(i) * c.config.Step)
		f, err := c.prop.PropagateDataset(ctx, ds, targetTime)
		if err != nil {
			c.logger.Warn("cutover propagation failed",
				"timestamp", targetTime.Format(time.RFC3339),
				"error", err,
			)
			metrics.IncCacheRegenerationErrors()
			continue
		}

		newEntries[c.RoundToStep(f.Timestamp)] = &Entry{
			Frame:       f,
			GeneratedAt: time.Now(),
		}
		generated++
	}

	c.buildTracks(ctx, ds)

	c.replaceAll(newEntries)
	c.currentFetchedAt = ds.FetchedAt

	c.rebuilding.Store(false)
	metrics.SetCacheGracePeriodActive(c.InGracePeriod())

	duration := time.Since(start)
	c.logger.Info("catalog cutover complete",
		"duration_ms", duration.Milliseconds(),
		"entries_replaced", generated,
	)
	metrics.ObserveCacheRegenerationDuration(duration)
}
