package dispenser

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/treat_dispenser/internal/firmware"
	"github.com/LeonardoBeccarini/treat_dispenser/internal/hardware"
)

// Listener receives every output that changed state, started a dispense or
// refused one. It runs on the loop goroutine and must not block.
type Listener func(Output)

// Guard may veto a dispense before the motor starts.
type Guard func(manual bool) error

var ErrNotRunning = errors.New("dispenser loop not running")

// consecutive failed IR reads after which the board counts as down
const boardDownAfter = 10

type cmdKind int

const (
	cmdDispense cmdKind = iota
	cmdReset
)

type command struct {
	kind  cmdKind
	reply chan error
}

// Runner samples the IR sensor every frame, steps the machine and drives the
// motor and LED pins. The machine is only touched by the Run goroutine.
type Runner struct {
	cfg   firmware.Config
	board hardware.Board
	m     *Machine
	cmds  chan command
	now   func() time.Time

	listener Listener
	guard    Guard
	onErr    func(error)

	mu         sync.RWMutex
	snap       Snapshot
	running    bool
	done       chan struct{} // chiuso quando Run esce
	failStreak int

	readErrs int
}

func NewRunner(cfg firmware.Config, board hardware.Board) *Runner {
	m := NewMachine(cfg)
	return &Runner{
		cfg:   cfg,
		board: board,
		m:     m,
		cmds:  make(chan command),
		now:   time.Now,
		snap:  m.Snapshot(),
	}
}

func (r *Runner) SetListener(l Listener) { r.listener = l }

func (r *Runner) SetGuard(g Guard) { r.guard = g }

// SetErrorHandler is called for every board error (read or write).
func (r *Runner) SetErrorHandler(f func(error)) { r.onErr = f }

func (r *Runner) Config() firmware.Config { return r.cfg }

// Status returns the snapshot taken after the last sample or command.
func (r *Runner) Status() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

func (r *Runner) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// BoardOK is false once the last boardDownAfter IR reads all failed.
func (r *Runner) BoardOK() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failStreak < boardDownAfter
}

// Run blocks until ctx is cancelled. The motor is switched off on exit.
func (r *Runner) Run(ctx context.Context) error {
	r.writeMotor(false)
	r.writeLED(r.m.Snapshot().State.Color())

	done := make(chan struct{})
	r.mu.Lock()
	r.running = true
	r.done = done
	r.mu.Unlock()
	defer func() {
		r.setRunning(false)
		close(done)
	}()

	ticker := time.NewTicker(r.cfg.IRFrameTime)
	defer ticker.Stop()

	log.Printf("dispenser: loop started mode=%s frame=%s motor=%s window=%.0f..%.0fcm",
		r.cfg.Mode, r.cfg.IRFrameTime, r.cfg.MotorTimeout, r.cfg.DistanceMin, r.cfg.DistanceMax)
	for {
		select {
		case <-ctx.Done():
			r.writeMotor(false)
			log.Printf("dispenser: loop stopped")
			return nil
		case <-ticker.C:
			r.sample()
		case c := <-r.cmds:
			c.reply <- r.execute(c.kind)
		}
	}
}

// Dispense runs the motor once, as if an object had been detected.
func (r *Runner) Dispense(ctx context.Context) error {
	return r.send(ctx, cmdDispense)
}

// Reset stops the motor and parks the machine in RESET.
func (r *Runner) Reset(ctx context.Context) error {
	return r.send(ctx, cmdReset)
}

func (r *Runner) send(ctx context.Context, kind cmdKind) error {
	r.mu.RLock()
	running, done := r.running, r.done
	r.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}
	c := command{kind: kind, reply: make(chan error, 1)}
	select {
	case r.cmds <- c:
	case <-done:
		// Run è uscito dopo il controllo
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) execute(kind cmdKind) error {
	now := r.now()
	switch kind {
	case cmdDispense:
		if r.m.Snapshot().State != StateSearch {
			_, err := r.m.Trigger(now)
			return err
		}
		if r.guard != nil {
			if err := r.guard(true); err != nil {
				return err
			}
		}
		out, err := r.m.Trigger(now)
		if err != nil {
			return err
		}
		r.apply(out)
	case cmdReset:
		r.apply(r.m.Abort(now))
	}
	return nil
}

func (r *Runner) sample() {
	now := r.now()
	distance := math.Inf(1)
	raw, err := r.board.AnalogRead(r.cfg.Pins.IRSensor)
	r.mu.Lock()
	if err != nil {
		r.failStreak++
	} else {
		r.failStreak = 0
	}
	r.mu.Unlock()
	if err != nil {
		r.readErrs++
		// a 16ms loop would flood the log
		if r.readErrs == 1 || r.readErrs%100 == 0 {
			log.Printf("dispenser: IR read error (%d so far): %v", r.readErrs, err)
		}
		r.reportErr(err)
	} else {
		distance = hardware.DistanceCM(raw, r.cfg.VoltageScaling)
	}

	out := r.m.Step(now, distance)
	if out.Dispensed && r.guard != nil {
		if gerr := r.guard(false); gerr != nil {
			refused := r.m.Refuse(now, gerr)
			refused.From = out.From
			refused.Changed = refused.State != out.From
			refused.MotorChanged = false
			refused.Distance = distance
			out = refused
		}
	}
	r.apply(out)
}

func (r *Runner) apply(out Output) {
	if out.MotorChanged {
		r.writeMotor(out.Motor)
	}
	if out.Changed {
		r.writeLED(out.LED)
	}

	r.mu.Lock()
	r.snap = r.m.Snapshot()
	r.mu.Unlock()

	if r.listener != nil && (out.Changed || out.Dispensed || out.Refused != nil) {
		r.listener(out)
	}
}

func (r *Runner) writeMotor(on bool) {
	pin := r.cfg.Pins.Motor
	var err error
	switch r.cfg.Mode {
	case firmware.ModeServo:
		speed := r.cfg.ServoStop
		if on {
			speed = r.cfg.ServoRun
		}
		err = r.board.PWMWrite(pin, uint8(speed))
	default:
		err = r.board.DigitalWrite(pin, on)
	}
	if err != nil {
		log.Printf("dispenser: motor write (on=%v) failed: %v", on, err)
		r.reportErr(err)
	}
}

func (r *Runner) writeLED(c Color) {
	p := r.cfg.Pins
	for _, ch := range []struct {
		pin  firmware.Pin
		duty uint8
	}{{p.RGBRed, c.R}, {p.RGBGreen, c.G}, {p.RGBBlue, c.B}} {
		if err := r.board.PWMWrite(ch.pin, ch.duty); err != nil {
			log.Printf("dispenser: led write %s failed: %v", ch.pin, err)
			r.reportErr(err)
			return
		}
	}
}

func (r *Runner) reportErr(err error) {
	if r.onErr != nil {
		r.onErr(err)
	}
}

func (r *Runner) setRunning(v bool) {
	r.mu.Lock()
	r.running = v
	r.mu.Unlock()
}
