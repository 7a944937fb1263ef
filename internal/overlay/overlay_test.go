package overlay

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"printstreamer/internal/moonraker"
	"printstreamer/internal/platform/logger"
)

func printing() moonraker.Snapshot {
	return moonraker.Snapshot{
		State:        moonraker.StatePrinting,
		Filename:     "benchy.gcode",
		Progress:     0.5,
		Elapsed:      time.Hour,
		CurrentLayer: 100,
		TotalLayers:  200,
		NozzleTemp:   214.6,
		NozzleTarget: 215,
		BedTemp:      60,
		BedTarget:    60,
		Speed:        3000,
		SpeedFactor:  1.1,
		FlowFactor:   0.95,
		LiveVelocity: math.NaN(),
		FilamentUsed: 1234,
	}
}

func TestRender_placeholders(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	v := Values{Snapshot: printing(), Metadata: moonraker.FileMetadata{Slicer: "OrcaSlicer"}, Now: now}

	cases := map[string]string{
		"{nozzle}/{nozzleTarget}":  "215/215",
		"{nozzle:0.0}":             "214.6",
		"{nozzle:F2}":              "214.60",
		"{nozzle:%d}":              "215",
		"{nozzle:%.1f}":            "214.6",
		"{nozzle:%s}":              "215",
		"{nozzle:%d %d}":           "215",
		"{progress}%":              `50\%`,
		"{layer} of {layerMax}":    "100 of 200",
		"{layers}":                 "100/200",
		"{time}":                   "01:00:00",
		"{state} {filename}":       "printing benchy.gcode",
		"{slicer}":                 "OrcaSlicer",
		"{speed} mm/s":             "50 mm/s",
		"{speedFactor} {flow}":     "110 95",
		"{filament}m":              "1.23m",
		"ETA {eta}":                "ETA 13:00",
		"{unknown} stays":          "{unknown} stays",
		`%{localtime} \ backslash`: `\%{localtime} \\ backslash`,
	}
	for tpl, want := range cases {
		if got := Render(tpl, v); got != want {
			t.Errorf("Render(%q) = %q, want %q", tpl, got, want)
		}
	}
}

func TestRender_missingValues(t *testing.T) {
	s := moonraker.Snapshot{
		State: moonraker.StateIdle, Progress: math.NaN(), NozzleTemp: math.NaN(),
		SpeedFactor: math.NaN(), FlowFactor: math.NaN(), FilamentUsed: math.NaN(),
		Speed: math.NaN(), LiveVelocity: math.NaN(),
	}
	got := Render("{nozzle}|{progress}|{layers}|{eta}|{filename}|{time}|{speed}", Values{Snapshot: s, Now: time.Now()})
	if want := "-|-|-/-|-|-|-|-"; got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}

func TestRender_layerMaxFromMetadata(t *testing.T) {
	s := printing()
	s.TotalLayers = 0
	v := Values{Snapshot: s, Metadata: moonraker.FileMetadata{LayerCount: 150}}
	if got := Render("{layerMax}", v); got != "150" {
		t.Errorf("layerMax = %q", got)
	}
}

func TestETA_suppressed(t *testing.T) {
	now := time.Now()
	if _, ok := ETA(time.Minute, 0.005, now); ok {
		t.Error("ETA below 1% progress should be suppressed")
	}
	if _, ok := ETA(0, 0.5, now); ok {
		t.Error("ETA with no elapsed time should be suppressed")
	}
	eta, ok := ETA(30*time.Minute, 0.25, now)
	if !ok || !eta.Equal(now.Add(90*time.Minute)) {
		t.Errorf("ETA = %v, %v", eta, ok)
	}
}

type stubSource struct {
	snap moonraker.Snapshot
	err  error
}

func (s *stubSource) Snapshot(context.Context) (moonraker.Snapshot, error) { return s.snap, s.err }

type stubMeta struct{}

func (stubMeta) Lookup(_ context.Context, filename string) (moonraker.FileMetadata, bool) {
	return moonraker.FileMetadata{Filename: filename, Slicer: "Cura"}, true
}

func TestGenerator_keepsPreviousTextOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay", "overlay.txt")
	src := &stubSource{snap: printing()}
	g := NewGenerator(path, "{state} {slicer}", time.Second, src, stubMeta{}, logger.Discard())

	if err := g.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil || string(b) != "printing Cura" {
		t.Fatalf("overlay file = %q, %v", b, err)
	}

	src.err = errors.New("printer offline")
	if err := g.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	b, _ = os.ReadFile(path)
	if string(b) != "printing Cura" {
		t.Errorf("overlay file changed after failure: %q", b)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}

func TestNewGenerator_refreshFloor(t *testing.T) {
	g := NewGenerator("x", "", 50*time.Millisecond, &stubSource{}, nil, logger.Discard())
	if g.refresh != MinRefresh {
		t.Errorf("refresh = %v, want %v", g.refresh, MinRefresh)
	}
}
