package propagation

import (
	"encoding/json"
	"iter"
	"time"

	"github.com/star/orbitrack/internal/orbit"
)

const (
	// DefaultTrackPoints and DefaultTrackStep sample 100 points ten minutes
	// apart, matching what the globe renderer draws per object.
	DefaultTrackPoints = 100
	DefaultTrackStep   = 600 * time.Second

	// MaxTrackPoints bounds a single track request.
	MaxTrackPoints = 10000
)

// PathPoint is one ground-track sample. It encodes as [lng, lat, altitude].
type PathPoint struct {
	Lng      float64
	Lat      float64
	Altitude float64
}

// MarshalJSON encodes the point as a [lng, lat, altitude] triple.
func (p PathPoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]float64{p.Lng, p.Lat, p.Altitude})
}

// UnmarshalJSON decodes a [lng, lat, altitude] triple.
func (p *PathPoint) UnmarshalJSON(data []byte) error {
	var v [3]float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = PathPoint{Lng: v[0], Lat: v[1], Altitude: v[2]}
	return nil
}

// TrackOptions controls ground-track sampling.
type TrackOptions struct {
	Points int           // number of samples; <= 0 uses DefaultTrackPoints
	Step   time.Duration // spacing; <= 0 uses DefaultTrackStep
	// OnePeriod spaces Points samples over exactly one orbital period, so
	// the first and last samples coincide in the inertial frame. Step is
	// ignored.
	OnePeriod bool

	// Start is the absolute time of the first sample. When zero, samples
	// are taken at elapsed 0, Step, 2·Step, ... from the element epoch.
	Start time.Time
	// Reference is the epoch for elements that carry none. Used only with
	// a non-zero Start.
	Reference time.Time
}

// DefaultTrackOptions returns 100 samples, 600 s apart, from the epoch.
func DefaultTrackOptions() TrackOptions {
	return TrackOptions{Points: DefaultTrackPoints, Step: DefaultTrackStep}
}

func (o TrackOptions) withDefaults() TrackOptions {
	if o.Points <= 0 {
		o.Points = DefaultTrackPoints
	}
	if o.Step <= 0 {
		o.Step = DefaultTrackStep
	}
	return o
}

// Validate checks the sampling budget.
func (o TrackOptions) Validate() error {
	if o.Points > MaxTrackPoints {
		return &orbit.ValidationError{Field: "points", Value: float64(o.Points), Reason: "exceeds track budget"}
	}
	if o.OnePeriod && o.Points == 1 {
		return &orbit.ValidationError{Field: "points", Value: 1, Reason: "a one-period track needs at least 2 points"}
	}
	return nil
}

// stepSeconds returns the sample spacing for el.
func (e *Engine) stepSeconds(el orbit.Elements, o TrackOptions) float64 {
	if o.OnePeriod {
		return el.PeriodSeconds(e.Body.GM) / float64(o.Points-1)
	}
	return o.Step.Seconds()
}

// TrackSeq lazily samples a ground track. It yields (point, nil) for each
// sample and stops after the first error, which it yields with a zero
// point. The sequence may be ranged over more than once; each range
// recomputes from the start.
func (e *Engine) TrackSeq(el orbit.Elements, opts TrackOptions) iter.Seq2[PathPoint, error] {
	opts = opts.withDefaults()
	return func(yield func(PathPoint, error) bool) {
		if err := el.Validate(); err != nil {
			yield(PathPoint{}, err)
			return
		}
		if err := opts.Validate(); err != nil {
			yield(PathPoint{}, err)
			return
		}

		step := e.stepSeconds(el, opts)
		for k := 0; k < opts.Points; k++ {
			offset := float64(k) * step

			var st State
			var err error
			if opts.Start.IsZero() {
				st, err = e.Propagate(el, offset)
			} else {
				var at time.Time
				if at, err = absolute(opts.Start, offset); err == nil {
					st, err = e.PropagateAt(el, at, opts.Reference)
				}
			}
			if err != nil {
				yield(PathPoint{}, err)
				return
			}

			g := st.Geographic
			if !yield(PathPoint{Lng: g.Lng, Lat: g.Lat, Altitude: g.Altitude}, nil) {
				return
			}
		}
	}
}

// Track samples a ground track into a slice. Any sample failure fails the
// whole track.
func (e *Engine) Track(el orbit.Elements, opts TrackOptions) ([]PathPoint, error) {
	opts = opts.withDefaults()
	points := make([]PathPoint, 0, min(opts.Points, MaxTrackPoints))
	for p, err := range e.TrackSeq(el, opts) {
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}
