package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mustLoad(t *testing.T, data string) *Config {
	t.Helper()
	cfg, err := LoadString(data)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func newManager(t *testing.T, data string) *ReloadManager {
	t.Helper()
	cfg := mustLoad(t, data)
	sc, err := ParseSimConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return NewReloadManager("", cfg, sc)
}

func TestDetectChanges(t *testing.T) {
	oldCfg := mustLoad(t, `
[playback]
speed: 1

[geometry]
point_cap: 1000
`)
	newCfg := mustLoad(t, `
[playback]
speed: 2

[log]
level: debug
`)

	// playback modified, geometry removed, log added
	changed := DetectChanges(oldCfg, newCfg)
	want := []string{"geometry", "log", "playback"}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Errorf("changed = %v, want %v", changed, want)
		}
	}
}

func TestDetectNoChanges(t *testing.T) {
	data := "[playback]\nspeed: 1\n"
	if changed := DetectChanges(mustLoad(t, data), mustLoad(t, data)); len(changed) != 0 {
		t.Errorf("expected no changes, got %v", changed)
	}
}

func TestReloadAppliesHandler(t *testing.T) {
	rm := newManager(t, "[playback]\nspeed: 1\n")

	var applied float64
	rm.Handle(SectionPlayback, func(sc *SimConfig) error {
		applied = sc.Playback.Speed
		return nil
	})

	results, err := rm.ReloadWithConfig(mustLoad(t, "[playback]\nspeed: 8\n"))
	if err != nil {
		t.Fatalf("ReloadWithConfig failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if !r.Success || !r.WasReloaded || !r.CanReload {
		t.Errorf("result = %+v", r)
	}
	if applied != 8 {
		t.Errorf("handler saw speed %v", applied)
	}
	if rm.Current().Playback.Speed != 8 {
		t.Errorf("current speed = %v", rm.Current().Playback.Speed)
	}
}

func TestReloadNonReloadable(t *testing.T) {
	rm := newManager(t, "[api]\nlisten: :7125\n")
	rm.Handle(SectionPlayback, func(*SimConfig) error { return nil })

	newCfg := mustLoad(t, "[api]\nlisten: :8000\n")
	if nr := rm.NonReloadable(DetectChanges(mustLoad(t, "[api]\nlisten: :7125\n"), newCfg)); len(nr) != 1 || nr[0] != "api" {
		t.Errorf("NonReloadable = %v", nr)
	}

	results, err := rm.ReloadWithConfig(newCfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].CanReload || results[0].WasReloaded {
		t.Errorf("results = %+v", results)
	}
}

func TestReloadHandlerError(t *testing.T) {
	rm := newManager(t, "[geometry]\npoint_cap: 10\n")
	rm.Handle(SectionGeometry, func(*SimConfig) error { return errors.New("reload failed") })

	results, err := rm.ReloadWithConfig(mustLoad(t, "[geometry]\npoint_cap: 20\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Success || results[0].Error == nil {
		t.Errorf("results = %+v", results)
	}
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	rm := newManager(t, "[playback]\nspeed: 1\n")
	called := false
	rm.Handle(SectionPlayback, func(*SimConfig) error { called = true; return nil })

	if _, err := rm.ReloadWithConfig(mustLoad(t, "[playback]\nspeed: -1\n")); err == nil {
		t.Fatal("expected validation error")
	}
	if called {
		t.Error("handler must not run for an invalid file")
	}
	if rm.Current().Playback.Speed != 1 {
		t.Errorf("configuration changed to %v", rm.Current().Playback.Speed)
	}
}

func TestReloadFromFileDebounce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.cfg")
	if err := os.WriteFile(path, []byte("[playback]\nspeed: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	sc, _ := ParseSimConfig(cfg)
	rm := NewReloadManager(path, cfg, sc)
	rm.SetDebounceTime(0)

	if err := os.WriteFile(path, []byte("[playback]\nspeed: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	results, err := rm.ReloadFromFile()
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Section != SectionPlayback {
		t.Errorf("results = %+v", results)
	}

	rm.SetDebounceTime(time.Hour)
	if results, _ := rm.ReloadFromFile(); results != nil {
		t.Errorf("debounced reload returned %+v", results)
	}
}
