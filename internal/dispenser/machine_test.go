package dispenser

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/LeonardoBeccarini/treat_dispenser/internal/firmware"
)

const (
	near     = 10.0 // inside the default 4..20 cm window
	far      = 60.0 // outside
	tooClose = 2.0  // below DistanceMin
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

// feed steps the machine n times, one frame apart, and returns the last output
// plus the frame time after it.
func feed(m *Machine, at time.Time, d float64, n int) (Output, time.Time) {
	var out Output
	for i := 0; i < n; i++ {
		out = m.Step(at, d)
		at = at.Add(firmware.IRFrameTime)
	}
	return out, at
}

func TestSearchActivatesAtTarget(t *testing.T) {
	cfg := firmware.Default(firmware.ModeDC)
	m := NewMachine(cfg)

	out, at := feed(m, t0, near, cfg.IRFoundTarget-1)
	if out.State != StateSearch || out.Motor {
		t.Fatalf("activated early: %+v", out)
	}
	out = m.Step(at, near)
	if out.State != StateActive || !out.Changed || out.From != StateSearch {
		t.Fatalf("expected transition to active, got %+v", out)
	}
	if !out.Motor || !out.MotorChanged || !out.Dispensed {
		t.Errorf("motor not started: %+v", out)
	}
	if out.LED != (Color{0, 255, 0}) {
		t.Errorf("led = %+v", out.LED)
	}
	if out.Found != cfg.IRFoundTarget {
		t.Errorf("found = %d", out.Found)
	}
}

func TestDetectionWindowBounds(t *testing.T) {
	m := NewMachine(firmware.Default(firmware.ModeDC))
	for d, want := range map[float64]bool{
		firmware.DistanceMin: true,
		firmware.DistanceMax: true,
		near:                 true,
		tooClose:             false,
		far:                  false,
		math.Inf(1):          false,
	} {
		if got := m.Detected(d); got != want {
			t.Errorf("Detected(%v) = %v", d, got)
		}
	}
}

func TestFoundCounterClamped(t *testing.T) {
	cfg := firmware.Default(firmware.ModeDC)
	m := NewMachine(cfg)

	out, at := feed(m, t0, far, 5)
	if out.Found != cfg.IRFoundMin {
		t.Errorf("found below min: %d", out.Found)
	}
	out, _ = feed(m, at, near, 100)
	if out.Found != cfg.IRFoundMax {
		t.Errorf("found = %d, want cap %d", out.Found, cfg.IRFoundMax)
	}
}

func TestNoiseDoesNotActivate(t *testing.T) {
	cfg := firmware.Default(firmware.ModeDC)
	m := NewMachine(cfg)
	at := t0
	// alternating hit/miss never accumulates
	for i := 0; i < 200; i++ {
		d := far
		if i%2 == 0 {
			d = near
		}
		out := m.Step(at, d)
		if out.State != StateSearch {
			t.Fatalf("step %d: state %s", i, out.State)
		}
		at = at.Add(cfg.IRFrameTime)
	}
}

func TestActiveRunsForMotorTimeout(t *testing.T) {
	cfg := firmware.Default(firmware.ModeDC)
	m := NewMachine(cfg)
	out, at := feed(m, t0, near, cfg.IRFoundTarget)
	if out.State != StateActive {
		t.Fatalf("state = %s", out.State)
	}
	started := at.Add(-cfg.IRFrameTime)

	out = m.Step(started.Add(cfg.MotorTimeout-time.Millisecond), near)
	if out.State != StateActive || !out.Motor {
		t.Fatalf("stopped before timeout: %+v", out)
	}
	out = m.Step(started.Add(cfg.MotorTimeout), near)
	if out.State != StateReset || out.Motor || !out.MotorChanged || !out.Changed {
		t.Fatalf("expected reset with motor off: %+v", out)
	}
	if out.LED != (Color{255, 0, 0}) {
		t.Errorf("led = %+v", out.LED)
	}
}

func TestResetWaitsForObjectToLeave(t *testing.T) {
	cfg := firmware.Default(firmware.ModeServo)
	m := NewMachine(cfg)
	_, at := feed(m, t0, near, cfg.IRFoundTarget)
	at = at.Add(cfg.MotorTimeout)
	out, at := feed(m, at, near, 50)
	if out.State != StateReset {
		t.Fatalf("state = %s", out.State)
	}
	if snap := m.Snapshot(); snap.Dispenses != 1 {
		t.Fatalf("pet staying got %d dispenses", snap.Dispenses)
	}

	// counter is at max: it takes IRFoundMax misses to get back to search
	out, at = feed(m, at, far, cfg.IRFoundMax-1)
	if out.State != StateReset {
		t.Fatalf("left reset early with found=%d", out.Found)
	}
	out = m.Step(at, far)
	if out.State != StateSearch || !out.Changed || out.From != StateReset {
		t.Fatalf("expected search, got %+v", out)
	}
	if out.LED != (Color{0, 0, 255}) {
		t.Errorf("led = %+v", out.LED)
	}
}

func TestFullCycleTwice(t *testing.T) {
	cfg := firmware.Default(firmware.ModeDC)
	m := NewMachine(cfg)
	at := t0
	for cycle := 1; cycle <= 2; cycle++ {
		_, at = feed(m, at, near, cfg.IRFoundTarget)
		at = at.Add(cfg.MotorTimeout)
		_, at = feed(m, at, far, cfg.IRFoundMax+1)
		if s := m.Snapshot(); s.State != StateSearch || s.Dispenses != cycle {
			t.Fatalf("cycle %d: %+v", cycle, s)
		}
	}
}

func TestTriggerOnlyWhileSearching(t *testing.T) {
	cfg := firmware.Default(firmware.ModeDC)
	m := NewMachine(cfg)
	out, err := m.Trigger(t0)
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateActive || !out.Manual || !out.Dispensed || !out.Motor {
		t.Fatalf("trigger output %+v", out)
	}
	if _, err := m.Trigger(t0.Add(time.Millisecond)); !errors.Is(err, ErrBusy) {
		t.Errorf("second trigger err = %v", err)
	}
	// with nothing in front of the sensor the reset phase ends on the next sample
	out = m.Step(t0.Add(cfg.MotorTimeout), far)
	if out.State != StateReset {
		t.Fatalf("state = %s", out.State)
	}
	out = m.Step(t0.Add(cfg.MotorTimeout+cfg.IRFrameTime), far)
	if out.State != StateSearch {
		t.Fatalf("state = %s", out.State)
	}
}

func TestAbortParksInReset(t *testing.T) {
	cfg := firmware.Default(firmware.ModeDC)
	m := NewMachine(cfg)
	_, at := feed(m, t0, near, cfg.IRFoundTarget)

	out := m.Abort(at)
	if out.State != StateReset || out.Motor || !out.MotorChanged || out.From != StateActive {
		t.Fatalf("abort output %+v", out)
	}
	if out.Found != cfg.IRFoundMax {
		t.Errorf("found = %d", out.Found)
	}
	again := m.Abort(at)
	if again.Changed || again.MotorChanged {
		t.Errorf("second abort changed state: %+v", again)
	}
}

func TestStateString(t *testing.T) {
	if StateSearch.String() != "search" || StateActive.String() != "active" || StateReset.String() != "reset" {
		t.Error("state names")
	}
	if State(7).String() != "state(7)" {
		t.Error(State(7).String())
	}
	if int(StateSearch) != 0 || int(StateActive) != 1 || int(StateReset) != 2 {
		t.Error("state numbering changed")
	}
}
