package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gcode-sim/pkg/errors"
	"gcode-sim/pkg/geometry"
)

func TestLoadString(t *testing.T) {
	data := `
# viewer settings
[playback]
speed: 2.5
tick_budget_ms = 8

[geometry]
point_cap: 50000   ; trimmed past this
`

	cfg, err := LoadString(data)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}

	if !cfg.HasSection("playback") || !cfg.HasSection("geometry") {
		t.Error("expected [playback] and [geometry] sections")
	}
	if cfg.HasSection("nonexistent") {
		t.Error("expected [nonexistent] section to not exist")
	}

	pb, err := cfg.GetSection("playback")
	if err != nil {
		t.Fatalf("GetSection(playback) failed: %v", err)
	}
	speed, err := pb.GetFloat("speed")
	if err != nil || speed != 2.5 {
		t.Errorf("speed = %v, %v", speed, err)
	}
	budget, err := pb.GetInt("tick_budget_ms")
	if err != nil || budget != 8 {
		t.Errorf("tick_budget_ms = %v, %v", budget, err)
	}

	geom, _ := cfg.GetSection("geometry")
	capVal, err := geom.GetInt("point_cap")
	if err != nil || capVal != 50000 {
		t.Errorf("point_cap = %v, %v", capVal, err)
	}
}

func TestSectionGet(t *testing.T) {
	data := `
[test]
string_val: hello
int_val: 42
float_val: 3.14
bool_true: true
bool_false: no
bool_one: 1
millis: 250
`

	cfg, err := LoadString(data)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}

	sec, _ := cfg.GetSection("test")

	val, _ := sec.Get("missing", "default")
	if val != "default" {
		t.Errorf("expected 'default', got '%s'", val)
	}

	i, _ := sec.GetInt("int_val")
	if i != 42 {
		t.Errorf("expected 42, got %d", i)
	}
	i, _ = sec.GetInt("missing", 99)
	if i != 99 {
		t.Errorf("expected 99, got %d", i)
	}

	f, _ := sec.GetFloat("float_val")
	if f != 3.14 {
		t.Errorf("expected 3.14, got %f", f)
	}

	if b, _ := sec.GetBool("bool_true"); !b {
		t.Error("expected true")
	}
	if b, _ := sec.GetBool("bool_false"); b {
		t.Error("expected false")
	}
	if b, _ := sec.GetBool("bool_one"); !b {
		t.Error("expected true for '1'")
	}

	d, err := sec.GetMillis("millis", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Errorf("GetMillis = %v, %v", d, err)
	}
	d, _ = sec.GetMillis("missing_ms", time.Second)
	if d != time.Second {
		t.Errorf("GetMillis fallback = %v", d)
	}
	if _, err := sec.GetInt("string_val"); err == nil {
		t.Error("expected error parsing 'hello' as int")
	}
}

func TestAccessTracking(t *testing.T) {
	data := `
[test]
used1: value1
used2: value2
unused1: value3
unused2: value4
`

	cfg, err := LoadString(data)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}

	sec, _ := cfg.GetSection("test")
	sec.Get("used1")
	sec.Get("used2")
	// A missing option with a fallback is tracked but never reported.
	sec.Get("absent", "x")

	unused := sec.GetUnusedOptions()
	if len(unused) != 2 {
		t.Errorf("expected 2 unused options, got %v", unused)
	}
	if err := cfg.CheckUnusedOptions(); err == nil || !strings.Contains(err.Error(), "unused1") {
		t.Errorf("CheckUnusedOptions = %v", err)
	}
}

func TestSectionTracking(t *testing.T) {
	data := `
[used_section]
key: value

[unused_section]
key: value
`

	cfg, err := LoadString(data)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}

	cfg.GetSection("used_section")
	cfg.GetSectionOptional("never_written")

	unused := cfg.GetUnusedSections()
	if len(unused) != 1 || unused[0] != "unused_section" {
		t.Errorf("expected [unused_section], got %v", unused)
	}
	if err := cfg.CheckUnusedSections(); err == nil {
		t.Error("expected unused section error")
	}
}

func TestRepeatedSectionMerges(t *testing.T) {
	cfg, err := LoadString(`
[playback]
speed: 1
replay_batch: 500

[playback]
speed: 4
`)
	if err != nil {
		t.Fatal(err)
	}
	if names := cfg.GetSectionNames(); len(names) != 1 {
		t.Fatalf("sections = %v", names)
	}
	sec, _ := cfg.GetSection("playback")
	if v, _ := sec.GetFloat("speed"); v != 4 {
		t.Errorf("speed = %v, want later value 4", v)
	}
	if v, _ := sec.GetInt("replay_batch"); v != 500 {
		t.Errorf("replay_batch = %v", v)
	}
}

func TestMalformedOption(t *testing.T) {
	_, err := LoadString("[playback]\nspeed 2\n")
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("expected malformed option error at line 2, got %v", err)
	}
	if _, err := LoadString("[]\n"); err == nil {
		t.Error("expected empty header error")
	}
}

func TestInclude(t *testing.T) {
	dir := t.TempDir()
	write := func(name, data string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}
	write("colors.cfg", "[geometry]\nextrusion_color: ff0000\n")
	main := write("sim.cfg", "[include colors.cfg]\n[playback]\nspeed: 3\n")

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.HasSection("geometry") || !cfg.HasSection("playback") {
		t.Errorf("sections = %v", cfg.GetSectionNames())
	}

	loop := write("loop.cfg", "[include loop.cfg]\n")
	if _, err := Load(loop); err == nil || !strings.Contains(err.Error(), "recursive") {
		t.Errorf("expected recursive include error, got %v", err)
	}

	missing := write("missing.cfg", "[include nope.cfg]\n")
	if _, err := Load(missing); err == nil {
		t.Error("expected error for missing include")
	}
}

func TestGetChoice(t *testing.T) {
	cfg, err := LoadString("[log]\nlevel: WARN\n")
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	sec, _ := cfg.GetSection("log")

	level, err := sec.GetChoice("level", []string{"debug", "info", "warn"})
	if err != nil {
		t.Fatalf("GetChoice failed: %v", err)
	}
	if level != "warn" {
		t.Errorf("expected 'warn', got '%s'", level)
	}

	if _, err = sec.GetChoice("level", []string{"debug", "info"}); err == nil {
		t.Error("expected error for invalid choice")
	}
}

func TestBoundsChecking(t *testing.T) {
	cfg, err := LoadString("[test]\nvalue: 50\n")
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	sec, _ := cfg.GetSection("test")

	min := 0.0
	max := 100.0
	v, err := sec.GetFloatWithBounds("value", FloatBounds{MinVal: &min, MaxVal: &max})
	if err != nil {
		t.Fatalf("GetFloatWithBounds failed: %v", err)
	}
	if v != 50.0 {
		t.Errorf("expected 50.0, got %f", v)
	}

	min = 60.0
	if _, err = sec.GetFloatWithBounds("value", FloatBounds{MinVal: &min}); err == nil {
		t.Error("expected error for value below minimum")
	}
	max = 40.0
	if _, err = sec.GetFloatWithBounds("value", FloatBounds{MaxVal: &max}); err == nil {
		t.Error("expected error for value above maximum")
	}
	above := 50.0
	if _, err = sec.GetFloatWithBounds("value", FloatBounds{Above: &above}); err == nil {
		t.Error("expected error for value not above threshold")
	}

	lo := 51
	if _, err = sec.GetIntWithBounds("value", &lo, nil); err == nil {
		t.Error("expected int bounds error")
	}
}

func TestMissingOptionError(t *testing.T) {
	cfg, err := LoadString("[test]\nexists: value\n")
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	sec, _ := cfg.GetSection("test")

	_, err = sec.Get("missing")
	configErr, ok := err.(*ConfigError)
	if !ok {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
	if configErr.Section != "test" || configErr.Option != "missing" {
		t.Errorf("error context = %+v", configErr)
	}

	if _, err := cfg.GetSection("absent"); err == nil {
		t.Error("expected missing section error")
	}
}

func TestParseSimConfigDefaults(t *testing.T) {
	cfg, _ := LoadString("")
	sc, err := ParseSimConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultSimConfig()
	if sc.Playback != want.Playback || sc.Seek != want.Seek || sc.Ingest != want.Ingest {
		t.Errorf("defaults differ: %+v", sc)
	}
	if sc.Seek.StallTimeout != 5*time.Second {
		t.Errorf("stall timeout = %v", sc.Seek.StallTimeout)
	}
	if sc.Geometry.ExtrusionColor != geometry.DefaultExtrusionColor {
		t.Errorf("extrusion color = %v", sc.Geometry.ExtrusionColor)
	}
}

func TestParseSimConfig(t *testing.T) {
	cfg, err := LoadString(`
[ingest]
chunk_size: 4096
max_line_length: 1024
memory_threshold_mb: 512

[playback]
speed: 10
autostart: yes

[seek]
stall_timeout_ms: 2000

[geometry]
point_cap: 1000
travel_color: 00ff00

[api]
listen: :8080

[metrics]
listen: :9100

[log]
level: debug
format: json

[source s3]
region: eu-west-1
endpoint: http://localhost:9000
use_path_style: true
`)
	if err != nil {
		t.Fatal(err)
	}
	sc, err := ParseSimConfig(cfg)
	if err != nil {
		t.Fatalf("ParseSimConfig failed: %v", err)
	}

	if sc.Ingest.ChunkSize != 4096 || sc.Ingest.MaxLineLength != 1024 || sc.Ingest.MemoryThreshold != 512<<20 {
		t.Errorf("ingest = %+v", sc.Ingest)
	}
	if sc.Playback.Speed != 10 || !sc.Playback.Autostart {
		t.Errorf("playback = %+v", sc.Playback)
	}
	if sc.Seek.StallTimeout != 2*time.Second {
		t.Errorf("seek = %+v", sc.Seek)
	}
	if sc.Geometry.PointCap != 1000 || sc.Geometry.TravelColor != (geometry.Color{0, 1, 0}) {
		t.Errorf("geometry = %+v", sc.Geometry)
	}
	if sc.API.Listen != ":8080" || sc.Metrics.Listen != ":9100" {
		t.Errorf("listen = %q %q", sc.API.Listen, sc.Metrics.Listen)
	}
	if sc.Log.Level != "debug" || sc.Log.Format != "json" {
		t.Errorf("log = %+v", sc.Log)
	}
	if sc.S3.Region != "eu-west-1" || !sc.S3.UsePathStyle || sc.S3.Endpoint == "" {
		t.Errorf("s3 = %+v", sc.S3)
	}
}

func TestParseSimConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"speed out of range", "[playback]\nspeed: 5000\n"},
		{"bad color", "[geometry]\nextrusion_color: orange\n"},
		{"zero timeout", "[seek]\nstall_timeout_ms: 0\n"},
		{"unknown option", "[playback]\nsped: 2\n"},
		{"unknown section", "[printer]\nkinematics: cartesian\n"},
		{"bad level", "[log]\nlevel: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadString(tt.data)
			if err != nil {
				t.Fatal(err)
			}
			_, err = ParseSimConfig(cfg)
			if !errors.Is(err, errors.ErrConfig) {
				t.Errorf("expected CONFIG error, got %v", err)
			}
		})
	}
}
