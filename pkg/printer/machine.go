package printer

import (
	"gcode-sim/pkg/gcode"
)

// Machine applies commands to a State. It is not safe for concurrent use;
// the playback engine serialises all writers.
type Machine struct {
	state State
}

// NewMachine returns a machine in the initial state.
func NewMachine() *Machine {
	return &Machine{state: Initial()}
}

// State returns a copy of the current state.
func (m *Machine) State() State {
	return m.state
}

// Reset returns the machine to Initial().
func (m *Machine) Reset() {
	m.state = Initial()
}

// Apply advances the state by one command and returns the segment it drew,
// if any. Apply never consults wall-clock time.
func (m *Machine) Apply(cmd gcode.Command) (Segment, bool) {
	st := &m.state
	index := st.Index
	st.Index++

	switch cmd.Mnemonic {
	case gcode.G0, gcode.G1, gcode.G2, gcode.G3:
		return m.move(cmd, index)

	case gcode.G90:
		st.AbsolutePositioning = true
	case gcode.G91:
		st.AbsolutePositioning = false
	case gcode.M82:
		st.AbsoluteExtrusion = true
	case gcode.M83:
		st.AbsoluteExtrusion = false

	case gcode.G92:
		m.setPosition(cmd.Params)
	case gcode.G28:
		m.home(cmd)
	case gcode.G4:
		m.dwell(cmd.Params)

	case gcode.M104, gcode.M109:
		if t, ok := cmd.Params.Get('T'); ok {
			st.Tool = int(t)
		}
		if s, ok := cmd.Params.Get('S'); ok {
			st.HotendTemp = s
		}
	case gcode.M140, gcode.M190:
		if s, ok := cmd.Params.Get('S'); ok {
			st.BedTemp = s
		}
	case gcode.M106:
		speed := MaxFanSpeed
		if s, ok := cmd.Params.Get('S'); ok {
			speed = clamp(s, 0, MaxFanSpeed)
		}
		st.FanSpeed = speed
	case gcode.M107:
		st.FanSpeed = 0
	}
	return Segment{}, false
}

// move handles G0-G3. Arcs go straight to their end point.
func (m *Machine) move(cmd gcode.Command, index int) (Segment, bool) {
	st := &m.state
	start := st.Position
	end := start

	axis := func(letter byte, cur float64) float64 {
		v, ok := cmd.Params.Get(letter)
		if !ok {
			return cur
		}
		if st.AbsolutePositioning {
			return v
		}
		return cur + v
	}
	end.X = axis('X', start.X)
	end.Y = axis('Y', start.Y)
	end.Z = axis('Z', start.Z)

	var extruded float64
	if e, ok := cmd.Params.Get('E'); ok {
		if st.AbsoluteExtrusion {
			extruded = e - st.Extruder
			st.Extruder = e
		} else {
			extruded = e
			st.Extruder += e
		}
	}
	if f, ok := cmd.Params.Get('F'); ok && f > 0 {
		st.Feedrate = f
	}
	st.Position = end

	dist := end.Sub(start).Len()
	if dist <= Epsilon {
		return Segment{}, false
	}
	st.Elapsed += dist / (st.Feedrate / 60)

	return Segment{
		Start:     start,
		End:       end,
		Extruded:  extruded,
		Extrusion: extruded > 0,
		Feedrate:  st.Feedrate,
		Index:     index,
		Line:      cmd.Line,
	}, true
}

// setPosition implements G92: named axes take the given values, no motion.
// With no parameters every axis and the extruder are zeroed.
func (m *Machine) setPosition(p gcode.Params) {
	st := &m.state
	if len(p) == 0 {
		st.Position = Vec3{}
		st.Extruder = 0
		return
	}
	if v, ok := p.Get('X'); ok {
		st.Position.X = v
	}
	if v, ok := p.Get('Y'); ok {
		st.Position.Y = v
	}
	if v, ok := p.Get('Z'); ok {
		st.Position.Z = v
	}
	if v, ok := p.Get('E'); ok {
		st.Extruder = v
	}
}

// home implements G28 as an instant move to zero on the named axes.
func (m *Machine) home(cmd gcode.Command) {
	st := &m.state
	x, y, z := cmd.Mentions('X'), cmd.Mentions('Y'), cmd.Mentions('Z')
	if !x && !y && !z {
		x, y, z = true, true, true
	}
	if x {
		st.Position.X = 0
	}
	if y {
		st.Position.Y = 0
	}
	if z {
		st.Position.Z = 0
	}
}

// dwell implements G4: P is milliseconds, S is seconds.
func (m *Machine) dwell(p gcode.Params) {
	if ms, ok := p.Get('P'); ok && ms > 0 {
		m.state.Elapsed += ms / 1000
		return
	}
	if s, ok := p.Get('S'); ok && s > 0 {
		m.state.Elapsed += s
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
