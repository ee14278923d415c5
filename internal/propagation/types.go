// Package propagation turns orbital elements and a time into positions: a
// single object through the Engine, the whole catalog through the worker
// pool, and a rolling set of frames through the Propagator.
package propagation

import (
	"time"

	"github.com/star/orbitrack/internal/orbit"
	"github.com/star/orbitrack/internal/transform"
)

// Frame holds the positions of all catalog objects at a single point in time.
type Frame struct {
	Timestamp time.Time        `json:"timestamp"`
	FrameName string           `json:"frame"` // body-rotation model the positions were projected in
	Objects   []ObjectPosition `json:"objects"`
}

// ObjectPosition holds one object's position at a frame time. A failed
// object carries Error and ErrorKind instead of a position; other objects in
// the same frame are unaffected.
type ObjectPosition struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
	transform.Geographic
	Inertial  transform.Vector3 `json:"inertial"`
	Error     string            `json:"error,omitempty"`
	ErrorKind string            `json:"error_kind,omitempty"`

	err error
}

// Err returns the propagation error for this object, if any.
func (p ObjectPosition) Err() error {
	return p.err
}

// OK reports whether the object was propagated successfully.
func (p ObjectPosition) OK() bool {
	return p.err == nil
}

func failedPosition(id, name, color string, err error) ObjectPosition {
	return ObjectPosition{
		ID:        id,
		Name:      name,
		Color:     color,
		Error:     err.Error(),
		ErrorKind: orbit.ErrorKind(err),
		err:       err,
	}
}

// Track is one object's sampled ground track.
type Track struct {
	ID     string      `json:"id"`
	Name   string      `json:"name,omitempty"`
	Color  string      `json:"color,omitempty"`
	Coords []PathPoint `json:"coords"`
	Error  string      `json:"error,omitempty"`
}

// PropConfig holds propagation configuration.
type PropConfig struct {
	Workers int           // Worker pool size (default: runtime.NumCPU())
	Step    time.Duration // Frame interval (default: 5s)
	Horizon time.Duration // Propagation horizon (default: 600s)
	Track   TrackOptions  // Ground-track sampling for catalog-wide tracks
}
