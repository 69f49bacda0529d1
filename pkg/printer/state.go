// Package printer interprets commands against a simulated printer.
//
// The machine is deterministic: applying commands [0, i) to Initial() always
// yields the same State, which is what lets playback seek by replay instead
// of storing snapshots.
package printer

import "math"

// Vec3 is a toolhead position in millimetres.
type Vec3 struct {
	X, Y, Z float64
}

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

// Len returns the Euclidean length of v.
func (v Vec3) Len() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Default machine settings at power-on.
const (
	DefaultFeedrate = 1500.0 // mm/min
	MaxFanSpeed     = 255.0

	// Epsilon is the smallest XYZ displacement that produces a segment.
	Epsilon = 1e-6
)

// State is the complete printer state after Index commands.
type State struct {
	Position Vec3
	Extruder float64
	Feedrate float64 // mm/min

	HotendTemp float64
	BedTemp    float64
	FanSpeed   float64 // 0-255
	Tool       int

	AbsolutePositioning bool
	AbsoluteExtrusion   bool

	// Index counts applied commands; it is the index of the next command.
	Index int
	// Elapsed is simulated print time in seconds.
	Elapsed float64
}

// Initial returns the canonical power-on state: origin, absolute
// positioning, relative extrusion, default feedrate.
func Initial() State {
	return State{
		Feedrate:            DefaultFeedrate,
		AbsolutePositioning: true,
		AbsoluteExtrusion:   false,
	}
}

// Segment is the path produced by one motion command.
type Segment struct {
	Start, End Vec3
	// Extruded is the filament delta; positive for extrusion moves.
	Extruded  float64
	Extrusion bool
	Feedrate  float64
	// Index is the store index of the producing command.
	Index int
	Line  int
}

// Length returns the XYZ length of the segment.
func (s Segment) Length() float64 {
	return s.End.Sub(s.Start).Len()
}

// IsTravel reports whether the toolhead moved without extruding.
func (s Segment) IsTravel() bool {
	return !s.Extrusion
}
