package propagation

import (
	"fmt"
	"math"
	"time"

	"github.com/star/orbitrack/internal/kepler"
	"github.com/star/orbitrack/internal/orbit"
	"github.com/star/orbitrack/internal/transform"
)

// Engine composes the Kepler solver, the perifocal positioner, the 3-1-3
// rotation and the geographic projection. It holds configuration only and is
// safe for concurrent use.
type Engine struct {
	Body   orbit.Body
	Solver kepler.Config
	Frame  transform.FrameRotation
}

// NewEngine validates the body constants and returns an Engine. A nil frame
// means the non-rotating reference frame.
func NewEngine(body orbit.Body, solver kepler.Config, frame transform.FrameRotation) (*Engine, error) {
	if err := body.Validate(); err != nil {
		return nil, err
	}
	if frame == nil {
		frame = transform.Inertial{}
	}
	return &Engine{Body: body, Solver: solver, Frame: frame}, nil
}

// DefaultEngine returns an Earth engine in the non-rotating frame with
// default solver settings.
func DefaultEngine() *Engine {
	return &Engine{Body: orbit.Earth(), Solver: kepler.DefaultConfig(), Frame: transform.Inertial{}}
}

// State is the full result of one propagation.
type State struct {
	Elapsed     float64              // seconds since the element epoch
	MeanAnomaly float64              // rad, [0, 2π)
	Eccentric   float64              // eccentric anomaly (rad)
	Iterations  int                  // Newton steps taken by the solver
	Perifocal   kepler.Perifocal     // orbital-plane position (km)
	Inertial    transform.Vector3    // inertial position (km)
	Rotation    float64              // body rotation angle applied (rad)
	BodyFixed   transform.Vector3    // position in the body-fixed frame (km)
	Geographic  transform.Geographic // lat, lng, normalized altitude
}

// Propagate computes the state dt seconds after the element epoch. Rotating
// frames that need an absolute time see el.Epoch + dt.
func (e *Engine) Propagate(el orbit.Elements, dt float64) (State, error) {
	at, err := absolute(el.Epoch, dt)
	if err != nil && transform.NeedsAbsoluteTime(e.frame()) {
		return State{}, err
	}
	return e.propagate(el, at, dt)
}

// PropagateAt computes the state at absolute time t. Elements without an
// epoch measure elapsed time from fallback.
func (e *Engine) PropagateAt(el orbit.Elements, t, fallback time.Time) (State, error) {
	return e.propagate(el, t, el.Elapsed(t, fallback))
}

// PropagateInertial runs the pipeline up to the inertial position only.
func (e *Engine) PropagateInertial(el orbit.Elements, dt float64) (transform.Vector3, error) {
	st, err := e.inertial(el, dt)
	if err != nil {
		return transform.Vector3{}, err
	}
	return st.Inertial, nil
}

func (e *Engine) propagate(el orbit.Elements, at time.Time, dt float64) (State, error) {
	st, err := e.inertial(el, dt)
	if err != nil {
		return State{}, err
	}

	st.Rotation = e.frame().Angle(at, dt)
	st.BodyFixed = transform.RotateZ(st.Inertial, st.Rotation)

	geo, err := transform.Project(st.BodyFixed, e.Body.Radius)
	if err != nil {
		return State{}, err
	}
	st.Geographic = geo
	return st, nil
}

func (e *Engine) inertial(el orbit.Elements, dt float64) (State, error) {
	if err := el.Validate(); err != nil {
		return State{}, err
	}
	if math.IsNaN(dt) || math.IsInf(dt, 0) {
		return State{}, &orbit.ValidationError{Field: "t", Value: dt, Reason: "elapsed time must be finite"}
	}
	if n := el.MeanMotion(e.Body.GM); math.IsNaN(n) || math.IsInf(n, 0) || n <= 0 {
		return State{}, &orbit.ValidationError{Field: "a", Value: el.SemiMajorAxis, Reason: "mean motion must be finite and positive"}
	}

	M := el.MeanAnomalyAt(e.Body.GM, dt)
	sol, err := kepler.Solve(M, el.Eccentricity, e.Solver)
	if err != nil {
		return State{}, err
	}

	p := kepler.Position(sol.E, el.SemiMajorAxis, el.Eccentricity)
	return State{
		Elapsed:     dt,
		MeanAnomaly: M,
		Eccentric:   sol.E,
		Iterations:  sol.Iterations,
		Perifocal:   p,
		Inertial:    transform.PerifocalToInertial(p, el.Inclination, el.RAAN, el.ArgPeriapsis),
	}, nil
}

func (e *Engine) frame() transform.FrameRotation {
	if e.Frame == nil {
		return transform.Inertial{}
	}
	return e.Frame
}

// FrameName returns the name of the body-rotation model in use.
func (e *Engine) FrameName() string {
	return e.frame().Name()
}

// MaxOffsetSeconds is the largest elapsed time, in either direction, that
// converts to an absolute instant.
const MaxOffsetSeconds = float64(math.MaxInt64) / float64(time.Second)

// absolute returns epoch + dt seconds. Offsets a time.Duration cannot hold
// return *orbit.ValidationError.
func absolute(epoch time.Time, dt float64) (time.Time, error) {
	if math.IsNaN(dt) || math.Abs(dt*float64(time.Second)) >= float64(math.MaxInt64) {
		return time.Time{}, &orbit.ValidationError{Field: "t", Value: dt, Reason: fmt.Sprintf("elapsed time must be within ±%.4g s", MaxOffsetSeconds)}
	}
	return epoch.Add(time.Duration(dt * float64(time.Second))), nil
}
