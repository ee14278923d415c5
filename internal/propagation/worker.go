package propagation

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/star/orbitrack/internal/catalog"
	"github.com/star/orbitrack/internal/metrics"
	"github.com/star/orbitrack/internal/orbit"
)

// propagateJob is a unit of work for the worker pool.
type propagateJob struct {
	index  int
	record catalog.Record
}

// propagateResult is the output of a single object propagation.
type propagateResult struct {
	index      int
	position   ObjectPosition
	iterations int
}

// WorkerPool manages a fixed number of goroutines for parallel propagation.
type WorkerPool struct {
	engine  *Engine
	workers int
	logger  *slog.Logger
}

// NewWorkerPool creates a worker pool with the given number of workers.
func NewWorkerPool(engine *Engine, workers int, logger *slog.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		engine:  engine,
		workers: workers,
		logger:  logger,
	}
}

// PropagateBatch propagates every record to targetTime. Records without an
// epoch measure elapsed time from reference. The result keeps input order
// and contains one entry per processed record; failed records carry their
// error. Records not yet processed when ctx is cancelled are omitted.
// Returns the positions and the success and error counts.
func (wp *WorkerPool) PropagateBatch(ctx context.Context, records []catalog.Record, targetTime, reference time.Time) ([]ObjectPosition, int, int) {
	if len(records) == 0 {
		return nil, 0, 0
	}

	jobs := make(chan propagateJob, wp.workers*2)
	results := make(chan propagateResult, wp.workers*2)

	// Start workers.
	var wg sync.WaitGroup
	for i := 0; i < wp.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				result := wp.propagateSingle(job, targetTime, reference)
				select {
				case results <- result:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// Feed jobs in a goroutine.
	go func() {
		defer close(jobs)
		for i, rec := range records {
			select {
			case jobs <- propagateJob{index: i, record: rec}:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Close results when all workers are done.
	go func() {
		wg.Wait()
		close(results)
	}()

	collected := make([]propagateResult, 0, len(records))
	var successCount, errorCount int

	for result := range results {
		if err := result.position.Err(); err != nil {
			errorCount++
			metrics.IncPropagationErrors(orbit.ErrorKind(err))
			wp.logger.Warn("propagation failed",
				"object_id", result.position.ID,
				"error_kind", orbit.ErrorKind(err),
				"error", err,
			)
		} else {
			successCount++
			metrics.ObserveKeplerIterations(result.iterations)
		}
		collected = append(collected, result)
	}

	sort.Slice(collected, func(i, j int) bool {
		return collected[i].index < collected[j].index
	})
	positions := make([]ObjectPosition, len(collected))
	for i, r := range collected {
		positions[i] = r.position
	}

	return positions, successCount, errorCount
}

// propagateSingle runs the engine for one record. A failure stays local to
// that record.
func (wp *WorkerPool) propagateSingle(job propagateJob, targetTime, reference time.Time) propagateResult {
	rec := job.record
	st, err := wp.engine.PropagateAt(rec.Elements, targetTime, reference)
	if err != nil {
		return propagateResult{index: job.index, position: failedPosition(rec.ID, rec.Name, rec.Color, err)}
	}

	return propagateResult{
		index:      job.index,
		iterations: st.Iterations,
		position: ObjectPosition{
			ID:         rec.ID,
			Name:       rec.Name,
			Color:      rec.Color,
			Geographic: st.Geographic,
			Inertial:   st.Inertial,
		},
	}
}
