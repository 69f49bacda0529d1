// Simulator metrics definitions
//
// Defines all metrics for the G-code simulator including:
// - Ingestion throughput and memory pressure
// - Playback ticks and state
// - Seek latency
// - Geometry buffer occupancy
// - Viewer API traffic
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gcodesim"

// PlaybackStates lists the values of the playback state gauge label.
var PlaybackStates = []string{"idle", "loading", "running", "paused", "completed", "error"}

// SimMetrics holds all simulator metrics. A nil *SimMetrics is valid and
// records nothing, so packages can take one unconditionally.
type SimMetrics struct {
	registry *prometheus.Registry

	// Ingestion
	IngestBytes    prometheus.Counter
	IngestLines    prometheus.Counter
	IngestCommands prometheus.Counter
	IngestDropped  *prometheus.CounterVec
	IngestPressure prometheus.Counter
	IngestErrors   prometheus.Counter
	IngestDuration prometheus.Histogram
	IngestProgress prometheus.Gauge

	// Playback
	PlaybackTicks        prometheus.Counter
	PlaybackTickDuration prometheus.Histogram
	PlaybackCommands     prometheus.Counter
	PlaybackState        *prometheus.GaugeVec
	PlaybackIndex        prometheus.Gauge
	PlaybackTotal        prometheus.Gauge
	PlaybackStalls       prometheus.Counter

	// Seek
	Seeks        *prometheus.CounterVec
	SeekDuration prometheus.Histogram

	// Geometry
	GeometryPoints  prometheus.Gauge
	GeometryTrims   prometheus.Counter
	GeometryDropped prometheus.Counter

	// Viewer API
	APIClients  prometheus.Gauge
	APIRequests *prometheus.CounterVec
}

// NewSimMetrics creates all metrics on a private registry, together with
// the Go runtime and process collectors.
func NewSimMetrics() *SimMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	sm := &SimMetrics{registry: reg}

	sm.IngestBytes = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "ingest_bytes_total",
		Help: "Bytes read from the G-code source",
	})
	sm.IngestLines = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "ingest_lines_total",
		Help: "Lines split from the G-code source",
	})
	sm.IngestCommands = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "ingest_commands_total",
		Help: "Commands parsed and appended to the store",
	})
	sm.IngestDropped = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "ingest_dropped_lines_total",
		Help: "Lines that produced no command, by kind",
	}, []string{"kind"})
	sm.IngestPressure = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "ingest_memory_pressure_total",
		Help: "Times the heap exceeded the ingestion threshold",
	})
	sm.IngestErrors = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "ingest_errors_total",
		Help: "Source failures during ingestion",
	})
	sm.IngestDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "ingest_duration_seconds",
		Help:    "Wall time to ingest one source",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})
	sm.IngestProgress = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "ingest_progress_percent",
		Help: "Load progress of the current source (0-100)",
	})

	sm.PlaybackTicks = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "playback_ticks_total",
		Help: "Playback ticks executed",
	})
	sm.PlaybackTickDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "playback_tick_seconds",
		Help:    "Work time per playback tick",
		Buckets: []float64{0.0005, 0.001, 0.002, 0.004, 0.008, 0.016, 0.032, 0.064},
	})
	sm.PlaybackCommands = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "playback_commands_total",
		Help: "Commands applied by playback ticks",
	})
	sm.PlaybackState = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "playback_state",
		Help: "1 for the current playback state, 0 otherwise",
	}, []string{"state"})
	sm.PlaybackIndex = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "playback_index",
		Help: "Commands applied so far",
	})
	sm.PlaybackTotal = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "playback_total",
		Help: "Best known command count",
	})
	sm.PlaybackStalls = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "playback_stalls_total",
		Help: "Ticks that waited for ingestion",
	})

	sm.Seeks = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "seeks_total",
		Help: "Seeks by result",
	}, []string{"result"})
	sm.SeekDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "seek_duration_seconds",
		Help:    "Wall time to replay to a seek target",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})

	sm.GeometryPoints = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "geometry_points",
		Help: "Points retained in the geometry buffer",
	})
	sm.GeometryTrims = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "geometry_trims_total",
		Help: "Geometry buffer trims",
	})
	sm.GeometryDropped = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "geometry_dropped_points_total",
		Help: "Points removed by trimming",
	})

	sm.APIClients = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "api_websocket_clients",
		Help: "Connected websocket clients",
	})
	sm.APIRequests = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "api_requests_total",
		Help: "Viewer API requests by method and status",
	}, []string{"method", "status"})

	return sm
}

// Registry returns the registry backing these metrics.
func (sm *SimMetrics) Registry() *prometheus.Registry {
	if sm == nil {
		return nil
	}
	return sm.registry
}

// RecordChunk records one ingested chunk.
func (sm *SimMetrics) RecordChunk(bytes, lines, commands int, progress float64) {
	if sm == nil {
		return
	}
	sm.IngestBytes.Add(float64(bytes))
	sm.IngestLines.Add(float64(lines))
	sm.IngestCommands.Add(float64(commands))
	sm.IngestProgress.Set(progress)
}

// RecordDropped records lines of one kind that produced no command.
func (sm *SimMetrics) RecordDropped(kind string, n int) {
	if sm == nil || n == 0 {
		return
	}
	sm.IngestDropped.WithLabelValues(kind).Add(float64(n))
}

// RecordPressure records a memory-pressure backoff.
func (sm *SimMetrics) RecordPressure() {
	if sm == nil {
		return
	}
	sm.IngestPressure.Inc()
}

// RecordIngestDone records the end of an ingestion run.
func (sm *SimMetrics) RecordIngestDone(d time.Duration, err error) {
	if sm == nil {
		return
	}
	sm.IngestDuration.Observe(d.Seconds())
	if err != nil {
		sm.IngestErrors.Inc()
	}
}

// RecordTick records one playback tick.
func (sm *SimMetrics) RecordTick(d time.Duration, applied int, stalled bool) {
	if sm == nil {
		return
	}
	sm.PlaybackTicks.Inc()
	sm.PlaybackTickDuration.Observe(d.Seconds())
	sm.PlaybackCommands.Add(float64(applied))
	if stalled {
		sm.PlaybackStalls.Inc()
	}
}

// SetProgress records the playback position.
func (sm *SimMetrics) SetProgress(index, total int) {
	if sm == nil {
		return
	}
	sm.PlaybackIndex.Set(float64(index))
	sm.PlaybackTotal.Set(float64(total))
}

// SetPlaybackState flags state as current.
func (sm *SimMetrics) SetPlaybackState(state string) {
	if sm == nil {
		return
	}
	for _, s := range PlaybackStates {
		v := 0.0
		if s == state {
			v = 1
		}
		sm.PlaybackState.WithLabelValues(s).Set(v)
	}
}

// RecordSeek records a finished seek; result is "ok", "timeout",
// "cancelled" or "error".
func (sm *SimMetrics) RecordSeek(d time.Duration, result string) {
	if sm == nil {
		return
	}
	sm.Seeks.WithLabelValues(result).Inc()
	sm.SeekDuration.Observe(d.Seconds())
}

// RecordGeometry records buffer occupancy and trimming since the last call.
func (sm *SimMetrics) RecordGeometry(points, trims, dropped int) {
	if sm == nil {
		return
	}
	sm.GeometryPoints.Set(float64(points))
	if trims > 0 {
		sm.GeometryTrims.Add(float64(trims))
	}
	if dropped > 0 {
		sm.GeometryDropped.Add(float64(dropped))
	}
}

// ClientConnected adjusts the websocket client gauge.
func (sm *SimMetrics) ClientConnected(delta int) {
	if sm == nil {
		return
	}
	sm.APIClients.Add(float64(delta))
}

// RecordRequest counts one API request.
func (sm *SimMetrics) RecordRequest(method, status string) {
	if sm == nil {
		return
	}
	sm.APIRequests.WithLabelValues(method, status).Inc()
}

// Timer is a helper for measuring duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
