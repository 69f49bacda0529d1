package viewerapi

import (
	"math"

	"gcode-sim/pkg/errors"
	"gcode-sim/pkg/geometry"
	"gcode-sim/pkg/playback"
)

// parseAction maps a method suffix and its params onto an engine action.
func parseAction(name string, params map[string]any) (playback.Action, error) {
	switch name {
	case "start":
		return playback.StartAction{}, nil
	case "pause":
		return playback.PauseAction{}, nil
	case "resume":
		return playback.ResumeAction{}, nil
	case "stop":
		return playback.StopAction{}, nil
	case "reset":
		return playback.ResetAction{}, nil
	case "step_forward":
		n, err := intParam(params, "n", 1)
		return playback.StepForwardAction{N: n}, err
	case "step_back":
		n, err := intParam(params, "n", 1)
		return playback.StepBackAction{N: n}, err
	case "jump_to":
		idx, err := intParam(params, "index")
		return playback.JumpToAction{Index: idx}, err
	case "set_speed":
		m, err := floatParam(params, "multiplier")
		return playback.SetSpeedAction{Multiplier: m}, err
	case "set_point_cap":
		n, err := intParam(params, "point_cap")
		return playback.SetPointCapAction{N: n}, err
	}
	return nil, methodNotFound("playback." + name)
}

func floatParam(params map[string]any, key string, fallback ...float64) (float64, error) {
	v, ok := params[key]
	if !ok || v == nil {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, errors.New(errors.ErrInvalidArgument, "missing '"+key+"' parameter")
	}
	f, ok := v.(float64)
	if !ok {
		return 0, errors.InvalidArgumentError(key, v)
	}
	return f, nil
}

func intParam(params map[string]any, key string, fallback ...int) (int, error) {
	var fb []float64
	if len(fallback) > 0 {
		fb = []float64{float64(fallback[0])}
	}
	f, err := floatParam(params, key, fb...)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, errors.InvalidArgumentError(key, f)
	}
	return int(f), nil
}

type segmentPayload struct {
	Start     [3]float64 `json:"start"`
	End       [3]float64 `json:"end"`
	Extrusion bool       `json:"extrusion"`
	Extruded  float64    `json:"extruded"`
	Feedrate  float64    `json:"feedrate"`
	Index     int        `json:"index"`
	Line      int        `json:"line"`
}

// eventPayload is the notification parameter for ev.
func eventPayload(ev playback.Event) any {
	switch ev := ev.(type) {
	case playback.StateChanged:
		return map[string]any{"from": ev.From.String(), "to": ev.To.String(), "error": ev.Err}
	case playback.SegmentsAdded:
		segs := make([]segmentPayload, len(ev.Segments))
		for i, s := range ev.Segments {
			segs[i] = segmentPayload{
				Start:     [3]float64{s.Start.X, s.Start.Y, s.Start.Z},
				End:       [3]float64{s.End.X, s.End.Y, s.End.Z},
				Extrusion: s.Extrusion,
				Extruded:  s.Extruded,
				Feedrate:  s.Feedrate,
				Index:     s.Index,
				Line:      s.Line,
			}
		}
		return map[string]any{"index": ev.Index, "segments": segs}
	case playback.BufferChanged:
		return map[string]any{
			"extrusion": ev.Extrusion,
			"travel":    ev.Travel,
			"points":    ev.Points(),
			"appended":  ev.Appended,
			"trimmed":   ev.Trimmed,
			"cleared":   ev.Cleared,
		}
	case playback.LoadProgress:
		return map[string]any{"percent": ev.Percent, "loaded": ev.Loaded, "total": ev.Total, "done": ev.Done}
	case playback.SeekProgress:
		return map[string]any{"phase": ev.Phase, "target": ev.Target, "done": ev.Done, "percent": ev.Percent}
	case playback.ErrorEvent:
		return map[string]any{"code": ev.Code, "message": ev.Message, "fatal": ev.Fatal}
	default:
		return ev
	}
}

func channelPayload(d geometry.ChannelData) map[string]any {
	return map[string]any{
		"points":    d.Points(),
		"positions": d.Positions,
		"colors":    d.Colors,
	}
}

func geometryPayload(snap geometry.Snapshot) map[string]any {
	return map[string]any{
		"point_cap": snap.PointCap,
		"extrusion": channelPayload(snap.Extrusion),
		"travel":    channelPayload(snap.Travel),
	}
}

func geometryStats(st geometry.Stats) map[string]any {
	return map[string]any{
		"points":           st.Points,
		"extrusion_points": st.ExtrusionPoints,
		"travel_points":    st.TravelPoints,
		"point_cap":        st.PointCap,
		"segments":         st.Segments,
		"trims":            st.Trims,
		"dropped":          st.Dropped,
	}
}
