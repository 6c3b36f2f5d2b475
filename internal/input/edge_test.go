package input

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func baselined(t *testing.T, level bool) *edgeDetector {
	t.Helper()
	d := newEdgeDetector(100 * time.Millisecond)
	d.Process(level, at(0))
	d.Process(level, at(100))
	if !d.Baselined() {
		t.Fatal("expected baseline after debounce")
	}
	return d
}

func TestBaselineEstablishment(t *testing.T) {
	d := newEdgeDetector(100 * time.Millisecond)
	if _, ok := d.Process(true, at(0)); ok {
		t.Error("no edge expected on first sample")
	}
	if d.Baselined() {
		t.Error("should not be baselined before debounce elapses")
	}
	d.Process(true, at(50))
	if d.Baselined() {
		t.Error("should not be baselined at 50ms")
	}
	if _, ok := d.Process(true, at(100)); ok {
		t.Error("baseline must not produce an edge")
	}
	if !d.Baselined() || !d.Level() {
		t.Errorf("baseline: got baselined=%v level=%v, want true true", d.Baselined(), d.Level())
	}
}

func TestBaselineResetOnChange(t *testing.T) {
	d := newEdgeDetector(100 * time.Millisecond)
	d.Process(true, at(0))
	d.Process(false, at(80))
	d.Process(false, at(150))
	if d.Baselined() {
		t.Error("baseline timer should restart on change")
	}
	d.Process(false, at(180))
	if !d.Baselined() || d.Level() {
		t.Errorf("baseline: got baselined=%v level=%v, want true false", d.Baselined(), d.Level())
	}
}

func TestRisingAndFalling(t *testing.T) {
	d := baselined(t, false)

	if _, ok := d.Process(true, at(200)); ok {
		t.Error("edge reported before debounce")
	}
	e, ok := d.Process(true, at(300))
	if !ok || e != EdgeRising {
		t.Errorf("rising: got %q %v, want rising true", e, ok)
	}

	d.Process(false, at(400))
	e, ok = d.Process(false, at(550))
	if !ok || e != EdgeFalling {
		t.Errorf("falling: got %q %v, want falling true", e, ok)
	}

	if c := d.Counts(); c.Rising != 1 || c.Falling != 1 {
		t.Errorf("counts: got %+v, want 1/1", c)
	}
}

func TestBounceShorterThanDebounce(t *testing.T) {
	d := baselined(t, false)
	d.Process(true, at(200))
	d.Process(false, at(250))
	if _, ok := d.Process(true, at(320)); ok {
		t.Error("bounce must restart the debounce window")
	}
	if _, ok := d.Process(true, at(400)); ok {
		t.Error("edge reported 80ms into the restarted window")
	}
	if _, ok := d.Process(true, at(420)); !ok {
		t.Error("expected edge once the restarted window elapsed")
	}
}

func TestEdgeReportedOnce(t *testing.T) {
	d := baselined(t, false)
	d.Process(true, at(200))
	d.Process(true, at(300))
	for ms := 400; ms < 1000; ms += 100 {
		if _, ok := d.Process(true, at(ms)); ok {
			t.Fatalf("duplicate edge at %dms", ms)
		}
	}
}

func TestDebounceExactTiming(t *testing.T) {
	d := baselined(t, true)
	d.Process(false, at(200))
	if _, ok := d.Process(false, at(299)); ok {
		t.Error("edge at 99ms")
	}
	if _, ok := d.Process(false, at(300)); !ok {
		t.Error("expected edge at exactly 100ms")
	}
}

func TestEdgeMatches(t *testing.T) {
	tests := []struct {
		e      Edge
		filter string
		want   bool
	}{
		{EdgeRising, "rising", true},
		{EdgeRising, "falling", false},
		{EdgeFalling, "both", true},
		{EdgeFalling, "falling", true},
	}
	for _, tt := range tests {
		if got := tt.e.Matches(tt.filter); got != tt.want {
			t.Errorf("%s matches %s: got %v, want %v", tt.e, tt.filter, got, tt.want)
		}
	}
}
