// Unit tests for simulator metrics
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordChunk(t *testing.T) {
	sm := NewSimMetrics()
	sm.RecordChunk(1000, 40, 35, 10)
	sm.RecordChunk(500, 20, 18, 15)

	if got := testutil.ToFloat64(sm.IngestBytes); got != 1500 {
		t.Errorf("ingest bytes = %v, want 1500", got)
	}
	if got := testutil.ToFloat64(sm.IngestCommands); got != 53 {
		t.Errorf("ingest commands = %v, want 53", got)
	}
	if got := testutil.ToFloat64(sm.IngestProgress); got != 15 {
		t.Errorf("progress = %v, want 15", got)
	}
}

func TestRecordDropped(t *testing.T) {
	sm := NewSimMetrics()
	sm.RecordDropped("comment", 3)
	sm.RecordDropped("unknown", 1)
	sm.RecordDropped("blank", 0)

	if got := testutil.ToFloat64(sm.IngestDropped.WithLabelValues("comment")); got != 3 {
		t.Errorf("comment drops = %v", got)
	}
	if n := testutil.CollectAndCount(sm.IngestDropped); n != 2 {
		t.Errorf("expected 2 label series, got %d", n)
	}
}

func TestPlaybackStateGauge(t *testing.T) {
	sm := NewSimMetrics()
	sm.SetPlaybackState("running")
	sm.SetPlaybackState("paused")

	for _, s := range PlaybackStates {
		want := 0.0
		if s == "paused" {
			want = 1
		}
		if got := testutil.ToFloat64(sm.PlaybackState.WithLabelValues(s)); got != want {
			t.Errorf("state %s = %v, want %v", s, got, want)
		}
	}
}

func TestRecordTickAndSeek(t *testing.T) {
	sm := NewSimMetrics()
	sm.RecordTick(3*time.Millisecond, 250, false)
	sm.RecordTick(time.Millisecond, 0, true)
	sm.RecordSeek(20*time.Millisecond, "ok")
	sm.RecordSeek(time.Second, "timeout")

	if got := testutil.ToFloat64(sm.PlaybackCommands); got != 250 {
		t.Errorf("commands = %v", got)
	}
	if got := testutil.ToFloat64(sm.PlaybackStalls); got != 1 {
		t.Errorf("stalls = %v", got)
	}
	if got := testutil.ToFloat64(sm.Seeks.WithLabelValues("timeout")); got != 1 {
		t.Errorf("timeout seeks = %v", got)
	}
}

func TestRecordIngestDone(t *testing.T) {
	sm := NewSimMetrics()
	sm.RecordIngestDone(time.Second, nil)
	sm.RecordIngestDone(time.Second, errors.New("source closed"))
	if got := testutil.ToFloat64(sm.IngestErrors); got != 1 {
		t.Errorf("ingest errors = %v", got)
	}
}

func TestRecordGeometry(t *testing.T) {
	sm := NewSimMetrics()
	sm.RecordGeometry(1200, 1, 300)
	sm.RecordGeometry(900, 0, 0)

	if got := testutil.ToFloat64(sm.GeometryPoints); got != 900 {
		t.Errorf("points = %v", got)
	}
	if got := testutil.ToFloat64(sm.GeometryDropped); got != 300 {
		t.Errorf("dropped = %v", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var sm *SimMetrics
	// None of these may panic
	sm.RecordChunk(1, 1, 1, 1)
	sm.RecordDropped("comment", 1)
	sm.RecordPressure()
	sm.RecordIngestDone(time.Second, nil)
	sm.RecordTick(time.Millisecond, 1, false)
	sm.SetProgress(1, 2)
	sm.SetPlaybackState("idle")
	sm.RecordSeek(time.Millisecond, "ok")
	sm.RecordGeometry(1, 1, 1)
	sm.ClientConnected(1)
	sm.RecordRequest("playback.start", "ok")
	if sm.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestSeparateRegistries(t *testing.T) {
	a, b := NewSimMetrics(), NewSimMetrics()
	a.RecordPressure()
	if got := testutil.ToFloat64(b.IngestPressure); got != 0 {
		t.Errorf("metrics leaked across registries: %v", got)
	}
}
