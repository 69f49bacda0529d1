package playback

// Snapshot is a point-in-time view of the engine for display.
type Snapshot struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`

	Position            [3]float64 `json:"position"`
	Extruder            float64    `json:"extruder"`
	Feedrate            float64    `json:"feedrate"`
	HotendTemp          float64    `json:"hotend_temp"`
	BedTemp             float64    `json:"bed_temp"`
	FanSpeed            float64    `json:"fan_speed"`
	Tool                int        `json:"tool"`
	AbsolutePositioning bool       `json:"absolute_positioning"`
	AbsoluteExtrusion   bool       `json:"absolute_extrusion"`

	Index    int     `json:"index"`
	Total    int     `json:"total"`
	Loaded   int     `json:"loaded"`
	Progress float64 `json:"progress"`
	// Simulated print time in seconds.
	Elapsed            float64 `json:"elapsed"`
	EstimatedRemaining float64 `json:"estimated_remaining"`

	LoadProgress float64 `json:"load_progress"`
	Streaming    bool    `json:"streaming"`
	Seeking      bool    `json:"seeking"`
	Speed        float64 `json:"speed"`

	GeometryPoints int `json:"geometry_points"`
	PointCap       int `json:"point_cap"`
}

// Snapshot reads the engine without blocking on the writer.
func (e *Engine) Snapshot() Snapshot {
	p := e.Printer()

	e.mu.Lock()
	s := Snapshot{
		SessionID: e.session.String(),
		State:     e.state.String(),
		Error:     e.errMsg,
		Seeking:   e.seeking,
		Speed:     e.speed,
	}
	in := e.ingestor
	e.mu.Unlock()

	s.Position = [3]float64{p.Position.X, p.Position.Y, p.Position.Z}
	s.Extruder = p.Extruder
	s.Feedrate = p.Feedrate
	s.HotendTemp = p.HotendTemp
	s.BedTemp = p.BedTemp
	s.FanSpeed = p.FanSpeed
	s.Tool = p.Tool
	s.AbsolutePositioning = p.AbsolutePositioning
	s.AbsoluteExtrusion = p.AbsoluteExtrusion

	s.Index = p.Index
	s.Total = e.store.Total()
	s.Loaded = e.store.Len()
	s.Streaming = e.store.Streaming()
	if s.Total > 0 {
		s.Progress = 100 * float64(s.Index) / float64(s.Total)
	}
	s.Elapsed = p.Elapsed
	if p.Index > 0 && s.Total > p.Index {
		s.EstimatedRemaining = p.Elapsed / float64(p.Index) * float64(s.Total-p.Index)
	}
	if in != nil {
		s.LoadProgress = in.Progress()
	}

	gs := e.geom.Stats()
	s.GeometryPoints = gs.Points
	s.PointCap = gs.PointCap
	return s
}
