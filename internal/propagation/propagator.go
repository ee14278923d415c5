package propagation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/star/orbitrack/internal/catalog"
	"github.com/star/orbitrack/internal/metrics"
)

// ErrNoDataset is returned when no catalog has been loaded yet.
var ErrNoDataset = errors.New("no catalog dataset loaded")

var tracer = otel.Tracer("github.com/star/orbitrack/internal/propagation")

// Propagator orchestrates frame and track generation for the current
// catalog dataset.
type Propagator struct {
	store  *catalog.Store
	engine *Engine
	pool   *WorkerPool
	config PropConfig
	logger *slog.Logger
}

// NewPropagator creates a new propagation orchestrator.
func NewPropagator(store *catalog.Store, engine *Engine, config PropConfig, logger *slog.Logger) *Propagator {
	return &Propagator{
		store:  store,
		engine: engine,
		pool:   NewWorkerPool(engine, config.Workers, logger),
		config: config,
		logger: logger,
	}
}

// Engine returns the engine used for every propagation.
func (p *Propagator) Engine() *Engine {
	return p.engine
}

// Config returns the propagation configuration.
func (p *Propagator) Config() PropConfig {
	return p.config
}

// PropagateToTime generates a single frame at the given target time from
// the current dataset.
func (p *Propagator) PropagateToTime(ctx context.Context, targetTime time.Time) (*Frame, error) {
	ds := p.store.Get()
	if ds == nil {
		return nil, ErrNoDataset
	}
	return p.PropagateDataset(ctx, ds, targetTime)
}

// PropagateDataset generates a frame for an explicit dataset, so callers
// building frames across a dataset change stay on one snapshot.
func (p *Propagator) PropagateDataset(ctx context.Context, ds *catalog.Dataset, targetTime time.Time) (*Frame, error) {
	ctx, span := tracer.Start(ctx, "propagation.frame", trace.WithAttributes(
		attribute.Int("orbitrack.objects", ds.Len()),
		attribute.String("orbitrack.target_time", targetTime.UTC().Format(time.RFC3339)),
		attribute.String("orbitrack.frame", p.engine.FrameName()),
	))
	defer span.End()

	p.logger.Debug("propagating",
		"object_count", ds.Len(),
		"target_time", targetTime.UTC().Format(time.RFC3339),
		"workers", p.pool.workers,
	)

	start := time.Now()
	positions, successCount, errorCount := p.pool.PropagateBatch(ctx, ds.Objects, targetTime, ds.Epoch)
	duration := time.Since(start)

	metrics.RecordPropagation(duration, successCount, errorCount)
	span.SetAttributes(
		attribute.Int("orbitrack.success", successCount),
		attribute.Int("orbitrack.errors", errorCount),
	)

	p.logger.Debug("propagation complete",
		"success", successCount,
		"errors", errorCount,
		"duration_ms", duration.Milliseconds(),
	)

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return &Frame{
		Timestamp: targetTime,
		FrameName: p.engine.FrameName(),
		Objects:   positions,
	}, nil
}

// GenerateFrames generates frames from startTime over the configured horizon
// at the configured step interval.
func (p *Propagator) GenerateFrames(ctx context.Context, startTime time.Time) ([]*Frame, error) {
	ds := p.store.Get()
	if ds == nil {
		return nil, ErrNoDataset
	}

	numFrames := int(p.config.Horizon/p.config.Step) + 1
	frames := make([]*Frame, 0, numFrames)

	for i := 0; i < numFrames; i++ {
		select {
		case <-ctx.Done():
			return frames, ctx.Err()
		default:
		}

		targetTime := startTime.Add(time.Duration(i) * p.config.Step)
		f, err := p.PropagateDataset(ctx, ds, targetTime)
		if err != nil {
			return frames, fmt.Errorf("frame %d at %s: %w", i, targetTime.Format(time.RFC3339), err)
		}
		frames = append(frames, f)
	}

	return frames, nil
}

// Tracks samples the configured ground track for every object in ds. An
// object whose track fails gets an empty track with the error recorded.
func (p *Propagator) Tracks(ctx context.Context, ds *catalog.Dataset) ([]Track, error) {
	_, span := tracer.Start(ctx, "propagation.tracks", trace.WithAttributes(
		attribute.Int("orbitrack.objects", ds.Len()),
		attribute.Int("orbitrack.points", p.config.Track.withDefaults().Points),
	))
	defer span.End()

	opts := p.config.Track
	if !opts.Start.IsZero() && opts.Reference.IsZero() {
		opts.Reference = ds.Epoch
	}

	start := time.Now()
	tracks := make([]Track, 0, ds.Len())
	var failed int
	for _, rec := range ds.Objects {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		tr := Track{ID: rec.ID, Name: rec.Name, Color: rec.Color}
		coords, err := p.engine.Track(rec.Elements, opts)
		if err != nil {
			failed++
			tr.Error = err.Error()
			tr.Coords = []PathPoint{}
			p.logger.Warn("track sampling failed", "object_id", rec.ID, "error", err)
		} else {
			tr.Coords = coords
		}
		tracks = append(tracks, tr)
	}

	metrics.ObserveTrackGeneration(time.Since(start))
	p.logger.Info("ground tracks generated",
		"objects", len(tracks),
		"failed", failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return tracks, nil
}
