package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gonum.org/v1/gonum/floats/scalar"

	"github.com/star/orbitrack/internal/auth"
	"github.com/star/orbitrack/internal/cache"
	"github.com/star/orbitrack/internal/catalog"
	"github.com/star/orbitrack/internal/httputil"
	"github.com/star/orbitrack/internal/kepler"
	"github.com/star/orbitrack/internal/orbit"
	"github.com/star/orbitrack/internal/propagation"
	"github.com/star/orbitrack/internal/transform"
)

var testEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// testDeps serves the sample catalog plus two problem objects: "bad" fails
// validation and "stiff" cannot converge once the solver is capped with
// withSolverCap.
func testDeps(t *testing.T) Deps {
	t.Helper()
	sample, err := catalog.Sample(testEpoch, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	objects := append([]catalog.Record(nil), sample.Objects...)
	objects = append(objects,
		catalog.Record{ID: "bad", Elements: orbit.Elements{SemiMajorAxis: -1}},
		catalog.Record{ID: "stiff", Elements: orbit.Elements{SemiMajorAxis: 7000, Eccentricity: 0.99, MeanAnomaly: 0.01}},
	)
	store := catalog.NewStore()
	store.Set(catalog.NewDataset("test", testEpoch, testEpoch, objects))

	prop := propagation.NewPropagator(store, propagation.DefaultEngine(), propagation.PropConfig{
		Workers: 2,
		Step:    time.Second,
		Horizon: 10 * time.Second,
	}, testLogger())

	return Deps{
		Logger:         testLogger(),
		Store:          store,
		Refresher:      catalog.NewRefresher(store, nil, nil, catalog.ParseOptions{}, testLogger()),
		Propagator:     prop,
		MaxTrackPoints: 400,
	}
}

// withSolverCap swaps in a solver allowed a single Newton step. Objects at
// M=0 still converge; "stiff" does not.
func withSolverCap(t *testing.T, deps Deps) Deps {
	t.Helper()
	engine, err := propagation.NewEngine(orbit.Earth(), kepler.Config{MaxIterations: 1}, transform.Inertial{})
	if err != nil {
		t.Fatal(err)
	}
	deps.Propagator = propagation.NewPropagator(deps.Store, engine, propagation.PropConfig{Workers: 2}, testLogger())
	return deps
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", target, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestPropagateEndpoint(t *testing.T) {
	h := NewServer(":0", testDeps(t)).Handler()

	w := get(t, h, "/api/v1/propagate/1?t=0")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var resp positionJSON
	decode(t, w, &resp)

	// a=7000, e=0.1, M0=0 starts at periapsis on the +x axis.
	if !scalar.EqualWithinAbs(resp.Inertial.X, 6300, 1e-6) ||
		!scalar.EqualWithinAbs(resp.Inertial.Y, 0, 1e-6) ||
		!scalar.EqualWithinAbs(resp.Inertial.Z, 0, 1e-6) {
		t.Errorf("inertial = %+v, want (6300, 0, 0)", resp.Inertial)
	}
	if !scalar.EqualWithinAbs(resp.Lat, 0, 1e-9) || !scalar.EqualWithinAbs(resp.Lng, 0, 1e-9) {
		t.Errorf("lat/lng = %g/%g, want 0/0", resp.Lat, resp.Lng)
	}
	if !scalar.EqualWithinAbs(resp.Altitude, 6300.0/6371-1, 1e-9) {
		t.Errorf("altitude = %g", resp.Altitude)
	}
	if resp.Frame != transform.FrameInertial || !resp.Time.Equal(testEpoch) {
		t.Errorf("frame = %q time = %v", resp.Frame, resp.Time)
	}

	// time= and t= name the same instant.
	w = get(t, h, "/api/v1/propagate/1?time=2025-01-01T00:10:00Z")
	var byTime positionJSON
	decode(t, w, &byTime)
	w = get(t, h, "/api/v1/propagate/1?t=600")
	var byElapsed positionJSON
	decode(t, w, &byElapsed)
	if byTime.Elapsed != 600 || byTime.Inertial != byElapsed.Inertial {
		t.Errorf("time=%+v t=%+v", byTime, byElapsed)
	}
}

func TestPropagateErrors(t *testing.T) {
	h := NewServer(":0", withSolverCap(t, testDeps(t))).Handler()

	tests := []struct {
		name     string
		target   string
		want     int
		wantKind string
	}{
		{"unknown object", "/api/v1/propagate/999", http.StatusNotFound, ""},
		{"invalid elements", "/api/v1/propagate/bad?t=0", http.StatusBadRequest, "validation"},
		{"solver cap", "/api/v1/propagate/stiff?t=0", http.StatusUnprocessableEntity, "non_convergence"},
		{"bad t", "/api/v1/propagate/1?t=soon", http.StatusBadRequest, ""},
		{"t and time", "/api/v1/propagate/1?t=0&time=2025-01-01T00:00:00Z", http.StatusBadRequest, ""},
		{"bad time", "/api/v1/propagate/1?time=yesterday", http.StatusBadRequest, ""},
		{"t past duration range", "/api/v1/propagate/1?t=1e10", http.StatusBadRequest, ""},
		{"negative t past duration range", "/api/v1/propagate/1?t=-1e10", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, h, tt.target)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body)
			}
			var resp map[string]string
			decode(t, w, &resp)
			if resp["error"] == "" {
				t.Error("expected error field in response")
			}
			if tt.wantKind != "" && resp["error_kind"] != tt.wantKind {
				t.Errorf("error_kind = %q, want %q", resp["error_kind"], tt.wantKind)
			}
		})
	}
}

// TestTrackBudget verifies that requests exceeding the max points budget are
// rejected with 400 instead of consuming unbounded CPU.
func TestTrackBudget(t *testing.T) {
	h := NewServer(":0", testDeps(t)).Handler()

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantPoints int
	}{
		{name: "over budget", query: "?points=401", wantStatus: http.StatusBadRequest},
		{name: "far over budget", query: "?points=1000000", wantStatus: http.StatusBadRequest},
		{name: "default params", query: "", wantStatus: http.StatusOK, wantPoints: 100},
		{name: "at budget", query: "?points=400&step=60", wantStatus: http.StatusOK, wantPoints: 400},
		{name: "one period", query: "?points=50&one_period=true", wantStatus: http.StatusOK, wantPoints: 50},
		{name: "zero points", query: "?points=0", wantStatus: http.StatusBadRequest},
		{name: "bad step", query: "?step=0", wantStatus: http.StatusBadRequest},
		{name: "bad flag", query: "?one_period=maybe", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, h, "/api/v1/track/2"+tt.query)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body)
			}

			var resp struct {
				Error     string                  `json:"error"`
				MaxPoints int                     `json:"max_points"`
				Coords    []propagation.PathPoint `json:"coords"`
			}
			decode(t, w, &resp)
			if tt.wantStatus != http.StatusOK {
				if resp.Error == "" {
					t.Error("expected error field in response")
				}
				if strings.Contains(tt.query, "points=") && tt.query != "?points=0" && resp.MaxPoints != 400 {
					t.Errorf("max_points = %d, want 400", resp.MaxPoints)
				}
				return
			}
			if len(resp.Coords) != tt.wantPoints {
				t.Errorf("coords = %d, want %d", len(resp.Coords), tt.wantPoints)
			}
		})
	}
}

func TestTrackOnePeriodCloses(t *testing.T) {
	h := NewServer(":0", testDeps(t)).Handler()

	w := get(t, h, "/api/v1/track/3?points=20&one_period=true")
	var resp struct {
		Coords []propagation.PathPoint `json:"coords"`
	}
	decode(t, w, &resp)
	first, last := resp.Coords[0], resp.Coords[len(resp.Coords)-1]
	if !scalar.EqualWithinAbs(first.Lat, last.Lat, 1e-6) ||
		!scalar.EqualWithinAbs(first.Lng, last.Lng, 1e-6) ||
		!scalar.EqualWithinAbs(first.Altitude, last.Altitude, 1e-9) {
		t.Errorf("first %+v != last %+v in the inertial frame", first, last)
	}
}

func TestPositionsEndpoint(t *testing.T) {
	h := NewServer(":0", withSolverCap(t, testDeps(t))).Handler()

	w := get(t, h, "/api/v1/positions?time=2025-01-01T00:00:00Z")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var frame propagation.Frame
	decode(t, w, &frame)
	if len(frame.Objects) != 5 {
		t.Fatalf("objects = %d, want 5", len(frame.Objects))
	}
	failed := map[string]string{}
	for _, o := range frame.Objects {
		if o.Error != "" {
			failed[o.ID] = o.ErrorKind
		}
	}
	want := map[string]string{"bad": "validation", "stiff": "non_convergence"}
	if len(failed) != len(want) || failed["bad"] != want["bad"] || failed["stiff"] != want["stiff"] {
		t.Errorf("failed objects = %v, want %v", failed, want)
	}
}

func TestObjectsAndMetadata(t *testing.T) {
	h := NewServer(":0", testDeps(t)).Handler()

	w := get(t, h, "/api/v1/objects")
	var objs struct {
		Count   int          `json:"count"`
		Objects []objectJSON `json:"objects"`
	}
	decode(t, w, &objs)
	if objs.Count != 5 || objs.Objects[0].ID != "1" {
		t.Fatalf("objects = %+v", objs)
	}
	first := objs.Objects[0]
	if !scalar.EqualWithinAbs(first.Elements.Inclination, math.Pi/4, 1e-12) {
		t.Errorf("inclination = %g rad, want π/4", first.Elements.Inclination)
	}
	if !scalar.EqualWithinAbs(first.Periapsis, 6300, 1e-9) || !scalar.EqualWithinAbs(first.Apoapsis, 7700, 1e-9) {
		t.Errorf("apsides = %g/%g", first.Periapsis, first.Apoapsis)
	}
	wantPeriod := 2 * math.Pi * math.Sqrt(7000*7000*7000/orbit.EarthGM)
	if !scalar.EqualWithinAbs(first.PeriodSeconds, wantPeriod, 1e-6) {
		t.Errorf("period = %g, want %g", first.PeriodSeconds, wantPeriod)
	}

	w = get(t, h, "/api/v1/catalog/metadata")
	var meta catalogMetadata
	decode(t, w, &meta)
	if meta.Source != "test" || meta.Count != 5 || meta.FetchEnabled {
		t.Errorf("metadata = %+v", meta)
	}
}

func TestCatalogFetchDisabled(t *testing.T) {
	h := NewServer(":0", testDeps(t)).Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/catalog/fetch", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestCatalogFetch(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(catalog.SampleData())
	}))
	defer source.Close()

	deps := testDeps(t)
	deps.Refresher = catalog.NewRefresher(deps.Store, catalog.NewFetcher(source.URL, testLogger()), nil, catalog.ParseOptions{}, testLogger())
	h := NewServer(":0", deps).Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/catalog/fetch", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	if ds := deps.Store.Get(); ds.Source != source.URL || ds.Len() != 3 {
		t.Errorf("store dataset = %s with %d objects", ds.Source, ds.Len())
	}
}

func TestPassesEndpoint(t *testing.T) {
	deps := testDeps(t)
	engine, err := propagation.NewEngine(orbit.Earth(), kepler.DefaultConfig(), transform.Sidereal{})
	if err != nil {
		t.Fatal(err)
	}
	deps.Propagator = propagation.NewPropagator(deps.Store, engine, propagation.PropConfig{Workers: 1}, testLogger())
	h := NewServer(":0", deps).Handler()

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"ok", "?lat=10&lon=20&hours=6&time=2025-01-01T00:00:00Z", http.StatusOK},
		{"missing lat", "?lon=20", http.StatusBadRequest},
		{"lat out of range", "?lat=91&lon=0", http.StatusBadRequest},
		{"hours out of range", "?lat=0&lon=0&hours=1000", http.StatusBadRequest},
		{"bad max_passes", "?lat=0&lon=0&max_passes=x", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, h, "/api/v1/passes/1"+tt.query)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body)
			}
		})
	}

	w := get(t, h, "/api/v1/passes/bad?lat=0&lon=0&hours=1")
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid object status = %d, want 422", w.Code)
	}
}

func TestCacheRoutesWithoutCache(t *testing.T) {
	h := NewServer(":0", testDeps(t)).Handler()
	for _, path := range []string{
		"/api/v1/cache/frames/latest",
		"/api/v1/cache/stats",
		"/api/v1/cache/tracks",
		"/api/v1/stream/frames",
	} {
		if w := get(t, h, path); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s = %d, want 503", path, w.Code)
		}
	}
}

func TestReadyz(t *testing.T) {
	deps := testDeps(t)
	h := NewServer(":0", deps).Handler()
	if w := get(t, h, "/readyz"); w.Code != http.StatusOK {
		t.Errorf("readyz with catalog = %d", w.Code)
	}

	deps.Store = catalog.NewStore()
	h = NewServer(":0", deps).Handler()
	if w := get(t, h, "/readyz"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz without catalog = %d", w.Code)
	}
	if w := get(t, h, "/api/v1/propagate/1"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("propagate without catalog = %d", w.Code)
	}
}

func TestMiddlewareChain(t *testing.T) {
	deps := testDeps(t)
	deps.Auth = auth.Config{Enabled: true, Token: "0123456789abcdef-secret"}
	deps.RateLimit = httputil.RateLimitConfig{Enabled: true, RPS: 0.01, Burst: 2}
	h := NewServer(":0", deps).Handler()

	// Single-object reads are public; positions needs the token.
	if w := get(t, h, "/api/v1/propagate/1?t=0"); w.Code != http.StatusOK {
		t.Fatalf("public route = %d", w.Code)
	}
	if w := get(t, h, "/api/v1/positions"); w.Code != http.StatusUnauthorized {
		t.Fatalf("protected route = %d, want 401", w.Code)
	}
	// The limiter runs before auth, so the rejected request still spent a token.
	if w := get(t, h, "/api/v1/objects"); w.Code != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", w.Code)
	}
	if w := get(t, h, "/healthz"); w.Code != http.StatusOK {
		t.Errorf("healthz = %d", w.Code)
	}
}

func TestCacheRoutesColdCache(t *testing.T) {
	deps := testDeps(t)
	deps.Cache = cache.NewFrameCache(cache.Config{
		Step:        time.Second,
		Horizon:     10 * time.Second,
		GracePeriod: time.Second,
		Buffer:      time.Second,
	}, deps.Propagator, deps.Store, testLogger())
	h := NewServer(":0", deps).Handler()

	w := get(t, h, "/api/v1/cache/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("stats = %d", w.Code)
	}
	var stats map[string]any
	decode(t, w, &stats)
	if stats["entries"] != float64(0) || stats["step_seconds"] != float64(1) {
		t.Errorf("stats = %v", stats)
	}

	for _, path := range []string{"/api/v1/cache/frames/latest", "/api/v1/cache/tracks"} {
		if w := get(t, h, path); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s on a cold cache = %d, want 503", path, w.Code)
		}
	}
}
