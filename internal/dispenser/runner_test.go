package dispenser

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LeonardoBeccarini/treat_dispenser/internal/firmware"
	"github.com/LeonardoBeccarini/treat_dispenser/internal/hardware"
)

func fastConfig(mode firmware.MotorMode, motor time.Duration) firmware.Config {
	cfg := firmware.Default(mode)
	cfg.IRFrameTime = time.Millisecond
	cfg.MotorTimeout = motor
	cfg.IRFoundTarget = 3
	cfg.IRFoundMax = 5
	return cfg
}

// pet moves an object in front of the simulated IR sensor.
type pet struct{ raw atomic.Int64 }

func (p *pet) at(cm float64) {
	p.raw.Store(int64(hardware.RawForDistance(cm, firmware.VoltageScaling)))
}

func newRig(t *testing.T, cfg firmware.Config) (*Runner, *hardware.Sim, *pet, chan Output) {
	t.Helper()
	sim := hardware.NewSim()
	p := &pet{}
	p.at(far)
	sim.SetSource(func(pin firmware.Pin) (int, bool) {
		return int(p.raw.Load()), pin == cfg.Pins.IRSensor
	})
	r := NewRunner(cfg, sim)
	outs := make(chan Output, 1024)
	r.SetListener(func(o Output) {
		select {
		case outs <- o:
		default:
		}
	})
	return r, sim, p, outs
}

func start(t *testing.T, r *Runner) (cancel func(), done chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done = make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	deadline := time.Now().Add(time.Second)
	for !r.Running() {
		if time.Now().After(deadline) {
			t.Fatal("runner did not start")
		}
		time.Sleep(time.Millisecond)
	}
	return cancel, done
}

func waitOutput(t *testing.T, outs <-chan Output, what string, pred func(Output) bool) Output {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case o := <-outs:
			if pred(o) {
				return o
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func TestRunnerAutomaticCycle(t *testing.T) {
	cfg := fastConfig(firmware.ModeDC, 30*time.Millisecond)
	r, sim, p, outs := newRig(t, cfg)
	cancel, done := start(t, r)
	defer cancel()

	if sim.PWM(cfg.Pins.RGBBlue) != 255 {
		t.Errorf("search colour not applied on start")
	}

	p.at(near)
	act := waitOutput(t, outs, "activation", func(o Output) bool { return o.Dispensed })
	if act.State != StateActive || act.Manual {
		t.Fatalf("activation output %+v", act)
	}
	waitOutput(t, outs, "reset", func(o Output) bool { return o.Changed && o.State == StateReset })
	if sim.Digital(cfg.Pins.Motor) {
		t.Error("motor still on in reset")
	}
	if sim.PWM(cfg.Pins.RGBRed) != 255 {
		t.Error("reset colour not applied")
	}

	p.at(far)
	waitOutput(t, outs, "search", func(o Output) bool { return o.Changed && o.State == StateSearch })
	if got := r.Status().Dispenses; got != 1 {
		t.Errorf("dispenses = %d", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestRunnerServoSpeeds(t *testing.T) {
	cfg := fastConfig(firmware.ModeServo, time.Second)
	r, sim, _, outs := newRig(t, cfg)
	cancel, done := start(t, r)

	if got := sim.PWM(cfg.Pins.Motor); got != uint8(cfg.ServoStop) {
		t.Errorf("idle servo speed = %d", got)
	}
	if err := r.Dispense(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitOutput(t, outs, "manual dispense", func(o Output) bool { return o.Manual })
	if got := sim.PWM(cfg.Pins.Motor); got != uint8(cfg.ServoRun) {
		t.Errorf("running servo speed = %d", got)
	}

	cancel()
	<-done
	if got := sim.PWM(cfg.Pins.Motor); got != uint8(cfg.ServoStop) {
		t.Errorf("servo not stopped on exit: %d", got)
	}
}

func TestRunnerManualDispenseBusy(t *testing.T) {
	cfg := fastConfig(firmware.ModeDC, time.Second)
	cfg.IRFoundMax = 1000 // keep the reset phase long enough to observe
	r, sim, _, _ := newRig(t, cfg)
	cancel, done := start(t, r)
	defer func() { cancel(); <-done }()

	if err := r.Dispense(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !sim.Digital(cfg.Pins.Motor) {
		t.Error("motor not running after manual dispense")
	}
	if err := r.Dispense(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("second dispense err = %v", err)
	}
	if err := r.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sim.Digital(cfg.Pins.Motor) {
		t.Error("motor still on after reset")
	}
	if s := r.Status(); s.State != StateReset {
		t.Errorf("state = %s", s.State)
	}
}

func TestRunnerGuardRefusesAutomaticDispense(t *testing.T) {
	cfg := fastConfig(firmware.ModeDC, 30*time.Millisecond)
	r, sim, p, outs := newRig(t, cfg)
	limit := errors.New("daily limit")
	r.SetGuard(func(manual bool) error { return limit })
	cancel, done := start(t, r)
	defer func() { cancel(); <-done }()

	p.at(near)
	o := waitOutput(t, outs, "refusal", func(o Output) bool { return o.Refused != nil })
	if !errors.Is(o.Refused, limit) {
		t.Errorf("refused = %v", o.Refused)
	}
	if o.State != StateReset || o.From != StateSearch || o.Motor || o.MotorChanged {
		t.Errorf("refusal output %+v", o)
	}
	if sim.Digital(cfg.Pins.Motor) {
		t.Error("motor started despite guard")
	}
	if s := r.Status(); s.Dispenses != 0 {
		t.Errorf("refused dispense counted: %d", s.Dispenses)
	}
	if err := r.Dispense(context.Background()); err == nil {
		t.Error("manual dispense allowed while parked in reset")
	}
}

func TestRunnerGuardRefusesManualDispense(t *testing.T) {
	cfg := fastConfig(firmware.ModeDC, 30*time.Millisecond)
	r, _, _, _ := newRig(t, cfg)
	limit := errors.New("daily limit")
	r.SetGuard(func(manual bool) error {
		if manual {
			return limit
		}
		return nil
	})
	cancel, done := start(t, r)
	defer func() { cancel(); <-done }()

	if err := r.Dispense(context.Background()); !errors.Is(err, limit) {
		t.Errorf("err = %v", err)
	}
	if s := r.Status(); s.State != StateSearch {
		t.Errorf("state = %s", s.State)
	}
}

func TestRunnerReadErrors(t *testing.T) {
	cfg := fastConfig(firmware.ModeDC, 30*time.Millisecond)
	r, sim, _, _ := newRig(t, cfg)
	var errs atomic.Int64
	r.SetErrorHandler(func(error) { errs.Add(1) })
	sim.FailReads(errors.New("adc fault"))
	cancel, done := start(t, r)

	deadline := time.Now().Add(2 * time.Second)
	for errs.Load() < 5 {
		if time.Now().After(deadline) {
			t.Fatal("read errors not reported")
		}
		time.Sleep(2 * time.Millisecond)
	}
	for errs.Load() < boardDownAfter {
		if time.Now().After(deadline) {
			t.Fatal("read errors not reported")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if r.BoardOK() {
		t.Error("board still reported ok after a streak of failed reads")
	}

	sim.FailReads(nil)
	for !r.BoardOK() {
		if time.Now().After(deadline) {
			t.Fatal("board did not recover after a good read")
		}
		time.Sleep(2 * time.Millisecond)
	}

	cancel()
	<-done
	if s := r.Status(); s.State != StateSearch {
		t.Errorf("failed reads moved the machine to %s", s.State)
	}
}

func TestDispenseWhenStopped(t *testing.T) {
	r := NewRunner(firmware.Default(firmware.ModeDC), hardware.NewSim())
	if err := r.Dispense(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("err = %v", err)
	}
}

func TestCommandDoesNotHangWhenLoopExits(t *testing.T) {
	r := NewRunner(fastConfig(firmware.ModeDC, 30*time.Millisecond), hardware.NewSim())
	cancel, done := start(t, r)

	// Running() was seen true, then the loop stopped before taking the command
	r.mu.RLock()
	loopDone := r.done
	r.mu.RUnlock()
	cancel()
	<-done
	r.mu.Lock()
	r.running = true
	r.done = loopDone
	r.mu.Unlock()

	res := make(chan error, 1)
	go func() { res <- r.Dispense(context.Background()) }()
	select {
	case err := <-res:
		if !errors.Is(err, ErrNotRunning) {
			t.Errorf("err = %v, want ErrNotRunning", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Dispense blocked after the loop exited")
	}
}

func TestStatusBeforeFirstSample(t *testing.T) {
	r := NewRunner(firmware.Default(firmware.ModeDC), hardware.NewSim())
	if d := r.Status().LastSample; !math.IsInf(d, 1) {
		t.Errorf("LastSample = %v before any read, want +Inf", d)
	}
}
