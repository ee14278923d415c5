package propagation

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"gonum.org/v1/gonum/floats/scalar"

	"github.com/star/orbitrack/internal/orbit"
	"github.com/star/orbitrack/internal/transform"
)

// countingFrame counts propagations through the engine.
type countingFrame struct {
	calls *int
}

func (countingFrame) Name() string { return "counting" }

func (f countingFrame) Angle(time.Time, float64) float64 {
	*f.calls++
	return 0
}

func TestTrackDefaults(t *testing.T) {
	e := DefaultEngine()
	points, err := e.Track(satelliteA, TrackOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != DefaultTrackPoints {
		t.Fatalf("len = %d, want %d", len(points), DefaultTrackPoints)
	}

	for _, k := range []int{0, 1, 57} {
		st, err := e.Propagate(satelliteA, float64(k)*600)
		if err != nil {
			t.Fatal(err)
		}
		want := PathPoint{Lng: st.Geographic.Lng, Lat: st.Geographic.Lat, Altitude: st.Geographic.Altitude}
		if points[k] != want {
			t.Errorf("point %d = %+v, want %+v", k, points[k], want)
		}
	}
}

// TestTrackOnePeriodCloses checks that a one-period track ends where it
// started.
func TestTrackOnePeriodCloses(t *testing.T) {
	el := orbit.Elements{SemiMajorAxis: 8000, Eccentricity: 0.2, Inclination: orbit.Deg2Rad(30), RAAN: orbit.Deg2Rad(60), ArgPeriapsis: orbit.Deg2Rad(30)}
	points, err := DefaultEngine().Track(el, TrackOptions{Points: 64, OnePeriod: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 64 {
		t.Fatalf("len = %d, want 64", len(points))
	}
	first, last := points[0], points[len(points)-1]
	if !scalar.EqualWithinAbs(first.Lat, last.Lat, 1e-6) ||
		!scalar.EqualWithinAbs(first.Lng, last.Lng, 1e-6) ||
		!scalar.EqualWithinAbs(first.Altitude, last.Altitude, 1e-9) {
		t.Errorf("track not closed: first %+v, last %+v", first, last)
	}
}

// TestTrackSeqStopsEarly checks that the generator does no work past the
// point where the consumer stops.
func TestTrackSeqStopsEarly(t *testing.T) {
	var calls int
	e := DefaultEngine()
	e.Frame = countingFrame{calls: &calls}

	var got int
	for _, err := range e.TrackSeq(satelliteA, TrackOptions{Points: 1000}) {
		if err != nil {
			t.Fatal(err)
		}
		got++
		if got == 3 {
			break
		}
	}
	if got != 3 || calls != 3 {
		t.Errorf("consumed %d points with %d propagations, want 3 and 3", got, calls)
	}

	// Ranging again starts over.
	calls = 0
	for range e.TrackSeq(satelliteA, TrackOptions{Points: 5}) {
	}
	if calls != 5 {
		t.Errorf("second range made %d propagations, want 5", calls)
	}
}

func TestTrackErrors(t *testing.T) {
	e := DefaultEngine()
	tests := []struct {
		name string
		el   orbit.Elements
		opts TrackOptions
	}{
		{"invalid elements", orbit.Elements{SemiMajorAxis: 7000, Eccentricity: 1.5}, TrackOptions{}},
		{"over budget", satelliteA, TrackOptions{Points: MaxTrackPoints + 1}},
		{"single point period", satelliteA, TrackOptions{Points: 1, OnePeriod: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Track(tt.el, tt.opts); !errors.Is(err, orbit.ErrValidation) {
				t.Errorf("Track() = %v, want validation error", err)
			}

			var yields int
			for p, err := range e.TrackSeq(tt.el, tt.opts) {
				yields++
				if err == nil || p != (PathPoint{}) {
					t.Errorf("TrackSeq yielded (%+v, %v), want zero point and error", p, err)
				}
			}
			if yields != 1 {
				t.Errorf("TrackSeq yielded %d times, want 1", yields)
			}
		})
	}
}

func TestTrackAbsoluteStart(t *testing.T) {
	e := DefaultEngine()
	e.Frame = transform.Sidereal{}
	ref := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	start := ref.Add(time.Hour)

	points, err := e.Track(satelliteA, TrackOptions{Points: 3, Step: time.Minute, Start: start, Reference: ref})
	if err != nil {
		t.Fatal(err)
	}
	st, err := e.PropagateAt(satelliteA, start.Add(2*time.Minute), ref)
	if err != nil {
		t.Fatal(err)
	}
	if points[2].Lng != st.Geographic.Lng || points[2].Lat != st.Geographic.Lat {
		t.Errorf("point 2 = %+v, want %+v", points[2], st.Geographic)
	}
}

func TestTrackAbsoluteStartOutOfRange(t *testing.T) {
	e := DefaultEngine()
	// A period near 1e16 s puts the second sample past the time.Duration range.
	far := orbit.Elements{SemiMajorAxis: 1e12, Eccentricity: 0.1}
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := e.Track(far, TrackOptions{Points: 2, OnePeriod: true, Start: start, Reference: start})
	if !errors.Is(err, orbit.ErrValidation) {
		t.Errorf("Track() = %v, want validation error", err)
	}
}

func TestPathPointJSON(t *testing.T) {
	data, err := json.Marshal([]PathPoint{{Lng: 10, Lat: -5, Altitude: 0.25}})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "[[10,-5,0.25]]" {
		t.Errorf("json = %s, want [[10,-5,0.25]]", data)
	}

	var back []PathPoint
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back[0] != (PathPoint{Lng: 10, Lat: -5, Altitude: 0.25}) {
		t.Errorf("decoded %+v", back[0])
	}
}

func BenchmarkTrack(b *testing.B) {
	e := DefaultEngine()
	for i := 0; i < b.N; i++ {
		if _, err := e.Track(satelliteA, DefaultTrackOptions()); err != nil {
			b.Fatal(err)
		}
	}
}
