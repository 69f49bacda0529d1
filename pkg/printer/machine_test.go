package printer

import (
	"math"
	"testing"

	"gcode-sim/pkg/gcode"
)

func parseAll(t *testing.T, lines ...string) []gcode.Command {
	t.Helper()
	var cmds []gcode.Command
	for i, line := range lines {
		cmd, ok := gcode.Parse(line, i+1)
		if !ok {
			t.Fatalf("line %q did not parse", line)
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

func run(m *Machine, cmds []gcode.Command) []Segment {
	var segs []Segment
	for _, c := range cmds {
		if seg, ok := m.Apply(c); ok {
			segs = append(segs, seg)
		}
	}
	return segs
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestInitialState(t *testing.T) {
	st := Initial()
	if !st.AbsolutePositioning || st.AbsoluteExtrusion {
		t.Errorf("unexpected mode flags: %+v", st)
	}
	if st.Feedrate != DefaultFeedrate {
		t.Errorf("feedrate = %v", st.Feedrate)
	}
	if st.Position != (Vec3{}) || st.Index != 0 || st.Elapsed != 0 {
		t.Errorf("initial state not at origin: %+v", st)
	}
}

func TestThreeLineProgram(t *testing.T) {
	m := NewMachine()
	segs := run(m, parseAll(t, "G1 X10 Y0 E1", "G1 X10 Y10 E1", "G0 X0 Y0"))

	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3", len(segs))
	}
	if !segs[0].Extrusion || !segs[1].Extrusion {
		t.Errorf("first two segments should extrude: %+v", segs[:2])
	}
	if !segs[2].IsTravel() {
		t.Errorf("third segment should be travel: %+v", segs[2])
	}

	st := m.State()
	if st.Position != (Vec3{}) {
		t.Errorf("final position = %+v, want origin", st.Position)
	}
	if st.Extruder != 2 {
		t.Errorf("extruder = %v, want 2", st.Extruder)
	}
	if st.Index != 3 {
		t.Errorf("index = %d, want 3", st.Index)
	}
	for i, s := range segs {
		if s.Index != i || s.Line != i+1 {
			t.Errorf("segment %d index/line = %d/%d", i, s.Index, s.Line)
		}
	}
}

func TestRelativePositioning(t *testing.T) {
	m := NewMachine()
	segs := run(m, parseAll(t, "G91", "G1 X5", "G1 X5"))

	if got := m.State().Position.X; got != 10 {
		t.Errorf("X = %v, want 10", got)
	}
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	for _, s := range segs {
		if !approx(s.Length(), 5) {
			t.Errorf("segment length = %v, want 5", s.Length())
		}
	}
}

func TestAbsoluteExtrusion(t *testing.T) {
	m := NewMachine()
	segs := run(m, parseAll(t, "M82", "G1 X1 E2", "G1 X2 E2", "G1 X3 E1.5"))

	if len(segs) != 3 {
		t.Fatalf("got %d segments", len(segs))
	}
	if !segs[0].Extrusion || segs[0].Extruded != 2 {
		t.Errorf("segment 0 = %+v", segs[0])
	}
	if segs[1].Extrusion {
		t.Errorf("unchanged E must be travel: %+v", segs[1])
	}
	if segs[2].Extrusion || !approx(segs[2].Extruded, -0.5) {
		t.Errorf("retraction must be travel: %+v", segs[2])
	}
	if m.State().Extruder != 1.5 {
		t.Errorf("extruder = %v", m.State().Extruder)
	}
}

func TestZeroLengthMoveEmitsNothing(t *testing.T) {
	m := NewMachine()
	segs := run(m, parseAll(t, "G1 F3000", "G1 E5", "G1 X0 Y0"))
	if len(segs) != 0 {
		t.Errorf("expected no segments, got %+v", segs)
	}
	st := m.State()
	if st.Feedrate != 3000 {
		t.Errorf("feedrate = %v", st.Feedrate)
	}
	if st.Extruder != 5 {
		t.Errorf("extruder = %v", st.Extruder)
	}
	if st.Index != 3 {
		t.Errorf("index = %d", st.Index)
	}
}

func TestElapsedTime(t *testing.T) {
	m := NewMachine()
	// 60 mm at 600 mm/min is 6 s, then a 500 ms dwell and a 2 s dwell
	run(m, parseAll(t, "G1 X60 F600", "G4 P500", "G4 S2"))
	if got := m.State().Elapsed; !approx(got, 8.5) {
		t.Errorf("elapsed = %v, want 8.5", got)
	}
}

func TestTemperatureAndFan(t *testing.T) {
	m := NewMachine()
	segs := run(m, parseAll(t, "M104 S210 T1", "M140 S60", "M106", "M109 S215"))
	if len(segs) != 0 {
		t.Errorf("temperature commands drew geometry: %+v", segs)
	}
	st := m.State()
	if st.HotendTemp != 215 || st.BedTemp != 60 || st.Tool != 1 {
		t.Errorf("temps/tool = %v/%v/%d", st.HotendTemp, st.BedTemp, st.Tool)
	}
	if st.FanSpeed != MaxFanSpeed {
		t.Errorf("fan = %v, want full", st.FanSpeed)
	}

	run(m, parseAll(t, "M106 S999"))
	if m.State().FanSpeed != MaxFanSpeed {
		t.Errorf("fan not clamped: %v", m.State().FanSpeed)
	}
	run(m, parseAll(t, "M107"))
	if m.State().FanSpeed != 0 {
		t.Errorf("fan = %v after M107", m.State().FanSpeed)
	}
}

func TestSetPositionAndHome(t *testing.T) {
	m := NewMachine()
	segs := run(m, parseAll(t, "G1 X10 Y20 Z5", "G92 X0 E3", "G28 Y"))
	if len(segs) != 1 {
		t.Fatalf("G92/G28 must not draw, got %d segments", len(segs))
	}
	st := m.State()
	if st.Position != (Vec3{0, 0, 5}) {
		t.Errorf("position = %+v", st.Position)
	}
	if st.Extruder != 3 {
		t.Errorf("extruder = %v", st.Extruder)
	}

	run(m, parseAll(t, "G28"))
	if m.State().Position != (Vec3{}) {
		t.Errorf("G28 did not home all axes: %+v", m.State().Position)
	}
}

func TestUnknownCommandsAdvanceIndex(t *testing.T) {
	m := NewMachine()
	run(m, parseAll(t, "M117 hello", "G29", "M84"))
	st := m.State()
	if st.Index != 3 {
		t.Errorf("index = %d", st.Index)
	}
	init := Initial()
	init.Index = 3
	if st != init {
		t.Errorf("no-op commands changed state: %+v", st)
	}
}

func TestDeterministicReplay(t *testing.T) {
	cmds := parseAll(t,
		"G90", "M83", "G1 Z0.2 F1200", "G1 X10 Y10 E0.5", "G2 X20 Y0 I5 J-5 E0.4",
		"G91", "G1 X-3 Y4", "M104 S200", "G92 E0", "G4 P100", "G1 X1 E0.1",
	)

	for k := 0; k <= len(cmds); k++ {
		a, b := NewMachine(), NewMachine()
		segsA := run(a, cmds[:k])
		// Second machine runs everything first, resets, then replays the prefix
		run(b, cmds)
		b.Reset()
		segsB := run(b, cmds[:k])

		if a.State() != b.State() {
			t.Fatalf("prefix %d: state diverged\n%+v\n%+v", k, a.State(), b.State())
		}
		if len(segsA) != len(segsB) {
			t.Fatalf("prefix %d: %d vs %d segments", k, len(segsA), len(segsB))
		}
		for i := range segsA {
			if segsA[i] != segsB[i] {
				t.Fatalf("prefix %d: segment %d differs", k, i)
			}
		}
	}
}
