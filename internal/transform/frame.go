package transform

import (
	"fmt"
	"strings"
	"time"

	"github.com/star/orbitrack/internal/orbit"
)

// FrameRotation gives the rotation angle of the body-fixed frame relative to
// the inertial frame. The angle is applied between the inertial and
// geographic stages, so longitudes shift by -Angle.
type FrameRotation interface {
	// Name identifies the model in config, logs and API output.
	Name() string
	// Angle returns the body rotation in radians at absolute time t, with
	// elapsed seconds since the element epoch.
	Angle(t time.Time, elapsed float64) float64
}

// NeedsAbsoluteTime reports whether f reads the absolute query time rather
// than only the elapsed seconds. Models opt in with an AbsoluteTime method.
func NeedsAbsoluteTime(f FrameRotation) bool {
	a, ok := f.(interface{ AbsoluteTime() bool })
	return ok && a.AbsoluteTime()
}

// Frame model names accepted by ParseFrame.
const (
	FrameInertial = "inertial"
	FrameUniform  = "uniform"
	FrameSidereal = "sidereal"
)

// Inertial is the non-rotating reference frame: the inertial frame is used
// as the body-fixed frame. Ground tracks are illustrative only.
type Inertial struct{}

func (Inertial) Name() string                     { return FrameInertial }
func (Inertial) Angle(time.Time, float64) float64 { return 0 }

// UniformRotation spins the body at a constant Rate (rad/s) from Theta0
// (rad) at the element epoch.
type UniformRotation struct {
	Theta0 float64
	Rate   float64
}

func (UniformRotation) Name() string { return FrameUniform }

func (u UniformRotation) Angle(_ time.Time, elapsed float64) float64 {
	return orbit.NormalizeAngle(u.Theta0 + u.Rate*elapsed)
}

// Sidereal rotates by Earth's Greenwich Mean Sidereal Time at the absolute
// query time. It requires queries with a real timestamp.
type Sidereal struct{}

func (Sidereal) Name() string { return FrameSidereal }

func (Sidereal) AbsoluteTime() bool { return true }

func (Sidereal) Angle(t time.Time, _ float64) float64 {
	return GMST(t)
}

// ParseFrame builds a rotation model by name. Uniform rotation uses the
// body's rotation rate and the given initial angle.
func ParseFrame(name string, body orbit.Body, theta0 float64) (FrameRotation, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", FrameInertial, "non-rotating":
		return Inertial{}, nil
	case FrameUniform:
		return UniformRotation{Theta0: theta0, Rate: body.RotationRate}, nil
	case FrameSidereal, "gmst":
		return Sidereal{}, nil
	default:
		return nil, fmt.Errorf("unknown frame %q (want %s, %s or %s)", name, FrameInertial, FrameUniform, FrameSidereal)
	}
}
