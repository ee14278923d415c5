package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/star/orbitrack/internal/metrics"
)

// ErrFetchDisabled is returned by Refresh when no fetcher is configured.
var ErrFetchDisabled = errors.New("catalog fetching is disabled")

// Refresher moves catalog documents from the source and the snapshot cache
// into the Store. A document that fails to load never replaces the current
// dataset.
type Refresher struct {
	store   *Store
	fetcher *Fetcher // nil disables fetching
	cache   *Cache   // nil disables snapshots
	opts    ParseOptions
	logger  *slog.Logger
}

// NewRefresher creates a Refresher. fetcher and cache may be nil.
func NewRefresher(store *Store, fetcher *Fetcher, cache *Cache, opts ParseOptions, logger *slog.Logger) *Refresher {
	return &Refresher{
		store:   store,
		fetcher: fetcher,
		cache:   cache,
		opts:    opts,
		logger:  logger,
	}
}

// Store returns the store the refresher writes to.
func (r *Refresher) Store() *Store {
	return r.store
}

// CanFetch reports whether a source is configured.
func (r *Refresher) CanFetch() bool {
	return r.fetcher != nil && r.fetcher.SourceURL() != ""
}

// Refresh fetches the source, loads it, publishes it and writes a snapshot.
// Concurrent refreshes are serialized.
func (r *Refresher) Refresh(ctx context.Context) (*Dataset, error) {
	if !r.CanFetch() {
		return nil, ErrFetchDisabled
	}

	r.store.Lock()
	defer r.store.Unlock()

	start := time.Now()
	data, err := r.fetcher.Fetch(ctx)
	if err != nil {
		metrics.IncCatalogFetches("error")
		return nil, fmt.Errorf("fetch: %w", err)
	}

	fetchedAt := time.Now().UTC()
	ds, err := Load(data, r.fetcher.SourceURL(), fetchedAt, r.opts, r.logger)
	if err != nil {
		metrics.IncCatalogFetches("error")
		return nil, fmt.Errorf("load: %w", err)
	}

	r.publish(ds)
	metrics.IncCatalogFetches("success")

	if r.cache != nil {
		if err := r.cache.Write(data, fetchedAt); err != nil {
			r.logger.Warn("failed to write catalog snapshot", "error", err)
		}
	}

	r.logger.Info("catalog refreshed",
		"source", ds.Source,
		"count", ds.Len(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return ds, nil
}

// LoadSnapshot publishes the newest usable on-disk snapshot.
func (r *Refresher) LoadSnapshot() (*Dataset, error) {
	if r.cache == nil {
		return nil, errors.New("no snapshot cache configured")
	}
	data, ts, err := r.cache.LoadLatest()
	if err != nil {
		return nil, err
	}
	ds, err := Load(data, "cache", ts, r.opts, r.logger)
	if err != nil {
		return nil, err
	}
	r.publish(ds)
	return ds, nil
}

// LoadFile publishes a catalog document already read from disk.
func (r *Refresher) LoadFile(data []byte, name string, modTime time.Time) (*Dataset, error) {
	ds, err := Load(data, name, modTime, r.opts, r.logger)
	if err != nil {
		return nil, err
	}
	r.publish(ds)
	return ds, nil
}

// LoadSample publishes the embedded sample catalog with epoch as its
// reference time.
func (r *Refresher) LoadSample(epoch time.Time) (*Dataset, error) {
	ds, err := Sample(epoch, r.logger)
	if err != nil {
		return nil, err
	}
	r.publish(ds)
	return ds, nil
}

// Run refreshes the catalog every interval until ctx is cancelled. Failures
// are logged and the current dataset stays in place.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	if !r.CanFetch() || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("scheduled catalog refresh failed", "error", err)
			}
		}
	}
}

func (r *Refresher) publish(ds *Dataset) {
	r.store.Set(ds)
	metrics.SetCatalogObjects(ds.Len())
	metrics.SetCatalogAge(time.Since(ds.FetchedAt).Seconds())
}
