package api

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/star/orbitrack/internal/catalog"
	"github.com/star/orbitrack/internal/metrics"
	"github.com/star/orbitrack/internal/orbit"
	"github.com/star/orbitrack/internal/passes"
	"github.com/star/orbitrack/internal/propagation"
	"github.com/star/orbitrack/internal/transform"
)

const (
	catalogFetchTimeout = 2 * time.Minute

	defaultPassHours = 24
	maxPassHours     = 72
	defaultMinElev   = 10
	defaultMaxPasses = 10
	maxPasses        = 50
)

type handlers struct {
	deps   Deps
	logger *slog.Logger
}

func (h *handlers) engine() *propagation.Engine {
	return h.deps.Propagator.Engine()
}

// lookup resolves the {id} path value, writing 503 or 404 on failure.
func (h *handlers) lookup(w http.ResponseWriter, r *http.Request) (catalog.Record, *catalog.Dataset, bool) {
	if h.deps.Store.Get() == nil {
		writeError(w, http.StatusServiceUnavailable, "no catalog loaded")
		return catalog.Record{}, nil, false
	}
	id := r.PathValue("id")
	rec, ds, ok := h.deps.Store.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "object "+id+" not found")
		return catalog.Record{}, nil, false
	}
	return rec, ds, true
}

type elementsJSON struct {
	SemiMajorAxis float64    `json:"a"`
	Eccentricity  float64    `json:"e"`
	Inclination   float64    `json:"i"`
	RAAN          float64    `json:"raan"`
	ArgPeriapsis  float64    `json:"argp"`
	MeanAnomaly   float64    `json:"m0"`
	Epoch         *time.Time `json:"epoch,omitempty"`
}

type objectJSON struct {
	ID            string       `json:"id"`
	Name          string       `json:"name,omitempty"`
	Color         string       `json:"color,omitempty"`
	Elements      elementsJSON `json:"elements"`
	PeriodSeconds float64      `json:"period_seconds"`
	Periapsis     float64      `json:"periapsis_km"`
	Apoapsis      float64      `json:"apoapsis_km"`
}

func newObjectJSON(rec catalog.Record, gm float64) objectJSON {
	el := rec.Elements
	o := objectJSON{
		ID:    rec.ID,
		Name:  rec.Name,
		Color: rec.Color,
		Elements: elementsJSON{
			SemiMajorAxis: el.SemiMajorAxis,
			Eccentricity:  el.Eccentricity,
			Inclination:   el.Inclination,
			RAAN:          el.RAAN,
			ArgPeriapsis:  el.ArgPeriapsis,
			MeanAnomaly:   el.MeanAnomaly,
		},
		PeriodSeconds: el.PeriodSeconds(gm),
		Periapsis:     el.Periapsis(),
		Apoapsis:      el.Apoapsis(),
	}
	if !el.Epoch.IsZero() {
		ep := el.Epoch.UTC()
		o.Elements.Epoch = &ep
	}
	return o
}

// objects lists the catalog with elements in radians.
// GET /api/v1/objects
func (h *handlers) objects(w http.ResponseWriter, r *http.Request) {
	ds := h.deps.Store.Get()
	if ds == nil {
		writeError(w, http.StatusServiceUnavailable, "no catalog loaded")
		return
	}
	gm := h.engine().Body.GM
	out := make([]objectJSON, len(ds.Objects))
	for i, rec := range ds.Objects {
		out[i] = newObjectJSON(rec, gm)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(out),
		"objects": out,
	})
}

type catalogMetadata struct {
	Source       string    `json:"source"`
	FetchedAt    time.Time `json:"fetched_at"`
	Epoch        time.Time `json:"epoch"`
	EpochMin     time.Time `json:"epoch_min,omitzero"`
	EpochMax     time.Time `json:"epoch_max,omitzero"`
	Count        int       `json:"count"`
	AgeSeconds   float64   `json:"age_seconds"`
	Frame        string    `json:"frame"`
	FetchEnabled bool      `json:"fetch_enabled"`
}

func (h *handlers) metadata(ds *catalog.Dataset) catalogMetadata {
	return catalogMetadata{
		Source:       ds.Source,
		FetchedAt:    ds.FetchedAt.UTC(),
		Epoch:        ds.Epoch.UTC(),
		EpochMin:     ds.EpochRange.Min.UTC(),
		EpochMax:     ds.EpochRange.Max.UTC(),
		Count:        ds.Len(),
		AgeSeconds:   time.Since(ds.FetchedAt).Seconds(),
		Frame:        h.engine().FrameName(),
		FetchEnabled: h.deps.Refresher != nil && h.deps.Refresher.CanFetch(),
	}
}

// GET /api/v1/catalog/metadata
func (h *handlers) catalogMetadata(w http.ResponseWriter, r *http.Request) {
	ds := h.deps.Store.Get()
	if ds == nil {
		writeError(w, http.StatusServiceUnavailable, "no catalog loaded")
		return
	}
	writeJSON(w, http.StatusOK, h.metadata(ds))
}

// catalogFetch pulls the catalog from the configured source. A document that
// fails validation leaves the current dataset in place.
// POST /api/v1/catalog/fetch
func (h *handlers) catalogFetch(w http.ResponseWriter, r *http.Request) {
	if h.deps.Refresher == nil || !h.deps.Refresher.CanFetch() {
		writeError(w, http.StatusConflict, catalog.ErrFetchDisabled.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), catalogFetchTimeout)
	defer cancel()

	ds, err := h.deps.Refresher.Refresh(ctx)
	if err != nil {
		h.logger.Warn("catalog fetch failed", "component", "api", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.metadata(ds))
}

type positionJSON struct {
	ID    string    `json:"id"`
	Name  string    `json:"name,omitempty"`
	Time  time.Time `json:"time"`
	Frame string    `json:"frame"`
	// Elapsed is seconds since the element epoch.
	Elapsed float64 `json:"elapsed"`
	transform.Geographic
	Inertial   transform.Vector3 `json:"inertial"`
	Iterations int               `json:"iterations"`
}

// propagate returns one object's position.
// GET /api/v1/propagate/{id}?t=<seconds>|time=<RFC3339>
func (h *handlers) propagate(w http.ResponseWriter, r *http.Request) {
	rec, ds, ok := h.lookup(w, r)
	if !ok {
		return
	}
	in, err := queryTime(r, rec, ds)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	el := rec.Elements
	if el.Epoch.IsZero() {
		el.Epoch = ds.Epoch
	}
	var st propagation.State
	if in.Relative {
		st, err = h.engine().Propagate(el, in.Elapsed)
	} else {
		st, err = h.engine().PropagateAt(el, in.At, ds.Epoch)
	}
	if err != nil {
		metrics.IncPropagationErrors(orbit.ErrorKind(err))
		writeEngineError(w, err)
		return
	}
	metrics.ObserveKeplerIterations(st.Iterations)

	writeJSON(w, http.StatusOK, positionJSON{
		ID:         rec.ID,
		Name:       rec.Name,
		Time:       in.At,
		Frame:      h.engine().FrameName(),
		Elapsed:    st.Elapsed,
		Geographic: st.Geographic,
		Inertial:   st.Inertial,
		Iterations: st.Iterations,
	})
}

// track samples one object's ground track.
// GET /api/v1/track/{id}?points=&step=&one_period=&start=
func (h *handlers) track(w http.ResponseWriter, r *http.Request) {
	rec, ds, ok := h.lookup(w, r)
	if !ok {
		return
	}

	opts := propagation.DefaultTrackOptions()
	q := r.URL.Query()
	if v := q.Get("points"); v != "" {
		n, err := optInt(r, "points", opts.Points, 1, math.MaxInt32)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if n > h.deps.MaxTrackPoints {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":      "requested points exceed the track budget",
				"max_points": h.deps.MaxTrackPoints,
			})
			return
		}
		opts.Points = n
	}
	step, err := optFloat(r, "step", opts.Step.Seconds(), 1, 86400)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts.Step = time.Duration(step * float64(time.Second))
	if opts.OnePeriod, err = optBool(r, "one_period"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.Get("start") != "" {
		start, err := time.Parse(time.RFC3339, q.Get("start"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start: must be RFC3339")
			return
		}
		opts.Start = start.UTC()
		opts.Reference = ds.Epoch
	}

	started := time.Now()
	coords, err := h.engine().Track(rec.Elements, opts)
	metrics.ObserveTrackGeneration(time.Since(started))
	if err != nil {
		metrics.IncPropagationErrors(orbit.ErrorKind(err))
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":     rec.ID,
		"name":   rec.Name,
		"frame":  h.engine().FrameName(),
		"points": len(coords),
		"coords": coords,
	})
}

// positions propagates the whole catalog to one instant. Objects that fail
// carry an error instead of a position.
// GET /api/v1/positions?time=<RFC3339>
func (h *handlers) positions(w http.ResponseWriter, r *http.Request) {
	ds := h.deps.Store.Get()
	if ds == nil {
		writeError(w, http.StatusServiceUnavailable, "no catalog loaded")
		return
	}
	at, err := absoluteTime(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	frame, err := h.deps.Propagator.PropagateDataset(r.Context(), ds, at)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, frame)
}

// passes predicts when an object is visible from a ground observer.
// GET /api/v1/passes/{id}?lat=&lon=&alt=&hours=&min_elevation=&max_passes=
func (h *handlers) passes(w http.ResponseWriter, r *http.Request) {
	rec, ds, ok := h.lookup(w, r)
	if !ok {
		return
	}

	lat, err := reqFloat(r, "lat", -90, 90)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lon, err := reqFloat(r, "lon", -180, 180)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	alt, err := optFloat(r, "alt", 0, -1, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hours, err := optFloat(r, "hours", defaultPassHours, 0.1, maxPassHours)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	minElev, err := optFloat(r, "min_elevation", defaultMinElev, 0, 90)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := optInt(r, "max_passes", defaultMaxPasses, 1, maxPasses)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	start, err := absoluteTime(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	engine := h.engine()
	results := passes.Predict(r.Context(), passes.Request{
		Engine:       engine,
		Observer:     transform.NewObserver(lat, lon, alt, engine.Body.Radius),
		Records:      []catalog.Record{rec},
		Reference:    ds.Epoch,
		Start:        start,
		HorizonHours: hours,
		MinElevation: minElev,
		MaxPasses:    limit,
	})
	res := results[0]
	if res.Error != "" {
		writeError(w, http.StatusUnprocessableEntity, res.Error)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":    res.ID,
		"name":  res.Name,
		"frame": engine.FrameName(),
		"observer": map[string]float64{
			"lat": lat,
			"lon": lon,
			"alt": alt,
		},
		"start":         start,
		"hours":         hours,
		"min_elevation": minElev,
		"passes":        res.Passes,
	})
}

// GET /api/v1/cache/frames/latest
func (h *handlers) cacheLatest(w http.ResponseWriter, r *http.Request) {
	if h.deps.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, "frame cache is disabled")
		return
	}
	f := h.deps.Cache.GetLatest()
	if f == nil {
		writeError(w, http.StatusServiceUnavailable, "frame cache is warming up")
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// GET /api/v1/cache/stats
func (h *handlers) cacheStats(w http.ResponseWriter, r *http.Request) {
	if h.deps.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, "frame cache is disabled")
		return
	}
	s := h.deps.Cache.Stats()
	cfg := h.deps.Cache.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":          s.Entries,
		"tracks":           s.Tracks,
		"size_bytes":       s.SizeBytes,
		"oldest":           s.OldestTimestamp,
		"newest":           s.NewestTimestamp,
		"hits":             s.Hits,
		"misses":           s.Misses,
		"evictions":        s.Evictions,
		"in_grace_period":  s.InGracePeriod,
		"step_seconds":     cfg.Step.Seconds(),
		"horizon_seconds":  cfg.Horizon.Seconds(),
		"grace_period_sec": cfg.GracePeriod.Seconds(),
	})
}

// GET /api/v1/cache/tracks
func (h *handlers) cacheTracks(w http.ResponseWriter, r *http.Request) {
	if h.deps.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, "frame cache is disabled")
		return
	}
	ts := h.deps.Cache.Tracks()
	if ts == nil {
		writeError(w, http.StatusServiceUnavailable, "ground tracks are not built yet")
		return
	}
	writeJSON(w, http.StatusOK, ts)
}
