package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/star/orbitrack/internal/api"
	"github.com/star/orbitrack/internal/cache"
	"github.com/star/orbitrack/internal/catalog"
	"github.com/star/orbitrack/internal/config"
	"github.com/star/orbitrack/internal/metrics"
	"github.com/star/orbitrack/internal/observability"
	"github.com/star/orbitrack/internal/propagation"
	"github.com/star/orbitrack/internal/stream"
)

func main() {
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg, err := config.Load(bootLogger)
	if err != nil {
		bootLogger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, logger)

	engine, err := cfg.Engine()
	if err != nil {
		logger.Error("invalid body configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("engine config",
		"body", engine.Body.Name,
		"gm", engine.Body.GM,
		"radius_km", engine.Body.Radius,
		"frame", engine.FrameName(),
		"solver_tolerance", cfg.Solver.Tolerance,
		"solver_max_iterations", cfg.Solver.MaxIterations,
	)

	store := catalog.NewStore()
	var fetcher *catalog.Fetcher
	if cfg.Catalog.SourceURL != "" {
		fetcher = catalog.NewFetcher(cfg.Catalog.SourceURL, logger, cfg.Catalog.ExtraURLs...)
	}
	snapshots := catalog.NewCache(cfg.Catalog.CacheDir, cfg.Catalog.MaxFiles, cfg.Catalog.MaxAge)
	refresher := catalog.NewRefresher(store, fetcher, snapshots, cfg.ParseOptions(), logger)

	loadCatalog(ctx, cfg.Catalog, refresher, logger)

	prop := propagation.NewPropagator(store, engine, cfg.Propagation, logger)
	metrics.SetPropagationWorkers(cfg.Propagation.Workers)

	frameCache := cache.NewFrameCache(cfg.Cache, prop, store, logger)
	streamHandler := stream.NewHandler(frameCache, store, cfg.Stream, logger)

	srv := api.NewServer(cfg.HTTP.Addr, api.Deps{
		Logger:         logger,
		Auth:           cfg.Auth,
		RateLimit:      cfg.RateLimit,
		TrustProxy:     cfg.HTTP.TrustProxy,
		Store:          store,
		Refresher:      refresher,
		Propagator:     prop,
		Cache:          frameCache,
		Stream:         streamHandler,
		MaxTrackPoints: cfg.MaxTrackPoints,
	})

	// Start cache background worker.
	go frameCache.Start(ctx)
	go refresher.Run(ctx, cfg.Catalog.RefreshInterval)
	go srv.SweepRateLimiter(ctx, time.Minute)

	// Background goroutine to update catalog age gauge.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if age := store.AgeSeconds(); age >= 0 {
					metrics.SetCatalogAge(age)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		logger.Info("starting server",
			"addr", cfg.HTTP.Addr,
			"auth_enabled", cfg.Auth.Enabled,
			"catalog_fetch_enabled", refresher.CanFetch(),
			"rate_limit_enabled", cfg.RateLimit.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.HTTPServer().Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// loadCatalog publishes the first catalog that loads: the configured file,
// the newest snapshot, a fresh fetch, and finally the embedded sample.
func loadCatalog(ctx context.Context, cfg config.CatalogConfig, r *catalog.Refresher, logger *slog.Logger) {
	if cfg.File != "" {
		if ds, err := loadFile(cfg.File, r); err != nil {
			logger.Warn("failed to load catalog file", "path", cfg.File, "error", err)
		} else {
			logger.Info("loaded catalog from file", "path", cfg.File, "count", ds.Len())
			return
		}
	}

	if ds, err := r.LoadSnapshot(); err != nil {
		logger.Info("no catalog snapshot found", "error", err)
	} else {
		logger.Info("loaded catalog from snapshot", "count", ds.Len(), "cached_at", ds.FetchedAt.Format(time.RFC3339))
		return
	}

	if r.CanFetch() {
		fetchCtx, cancel := context.WithTimeout(ctx, time.Minute)
		ds, err := r.Refresh(fetchCtx)
		cancel()
		if err == nil {
			logger.Info("loaded catalog from source", "count", ds.Len())
			return
		}
		logger.Warn("initial catalog fetch failed", "error", err)
	}

	ds, err := r.LoadSample(time.Now().UTC())
	if err != nil {
		logger.Error("failed to load sample catalog", "error", err)
		return
	}
	logger.Info("loaded sample catalog", "count", ds.Len(), "epoch", ds.Epoch.Format(time.RFC3339))
}

func loadFile(path string, r *catalog.Refresher) (*catalog.Dataset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return r.LoadFile(data, filepath.Base(path), info.ModTime().UTC())
}
