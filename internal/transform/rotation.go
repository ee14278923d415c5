// Package transform rotates perifocal positions into the inertial frame,
// applies the reference body's rotation, and projects onto geographic
// coordinates of a spherical body.
package transform

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/star/orbitrack/internal/kepler"
)

// Vector3 is a Cartesian position in km.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Norm returns |v|.
func (v Vector3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Sub returns v - o.
func (v Vector3) Sub(o Vector3) Vector3 {
	return Vector3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// IsFinite reports whether every component is finite.
func (v Vector3) IsFinite() bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

func (v Vector3) vec() *mat.VecDense {
	return mat.NewVecDense(3, []float64{v.X, v.Y, v.Z})
}

func fromVec(v mat.Vector) Vector3 {
	return Vector3{X: v.AtVec(0), Y: v.AtVec(1), Z: v.AtVec(2)}
}

// R1 is a frame rotation by x about the first axis.
func R1(x float64) *mat.Dense {
	s, c := math.Sincos(x)
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, c, s,
		0, -s, c,
	})
}

// R3 is a frame rotation by x about the third axis.
func R3(x float64) *mat.Dense {
	s, c := math.Sincos(x)
	return mat.NewDense(3, 3, []float64{
		c, s, 0,
		-s, c, 0,
		0, 0, 1,
	})
}

// R3R1R3 returns the 3-1-3 direction cosine matrix R3(θ3)·R1(θ2)·R3(θ1).
// With (θ1, θ2, θ3) = (Ω, i, ω) it maps inertial vectors into the
// perifocal frame; its transpose maps perifocal vectors back out.
func R3R1R3(θ1, θ2, θ3 float64) *mat.Dense {
	var tmp, dcm mat.Dense
	tmp.Mul(R1(θ2), R3(θ1))
	dcm.Mul(R3(θ3), &tmp)
	return &dcm
}

// PerifocalToInertial rotates an orbital-plane position into the inertial
// frame: by ω about the orbit normal, by i about the node line, then by Ω
// about the reference z-axis. The rotation is orthogonal and preserves |p|.
func PerifocalToInertial(p kepler.Perifocal, inclination, raan, argp float64) Vector3 {
	var out mat.VecDense
	out.MulVec(R3R1R3(raan, inclination, argp).T(), Vector3{X: p.X, Y: p.Y}.vec())
	return fromVec(&out)
}

// InertialToPerifocal is the inverse of PerifocalToInertial. For a point on
// the orbit the returned Z is zero within rounding.
func InertialToPerifocal(v Vector3, inclination, raan, argp float64) Vector3 {
	var out mat.VecDense
	out.MulVec(R3R1R3(raan, inclination, argp), v.vec())
	return fromVec(&out)
}

// RotateZ expresses v in a frame rotated by theta about the z-axis. Used to
// go from the inertial frame to a body-fixed frame at rotation angle theta.
func RotateZ(v Vector3, theta float64) Vector3 {
	if theta == 0 {
		return v
	}
	var out mat.VecDense
	out.MulVec(R3(theta), v.vec())
	return fromVec(&out)
}
