// Package dispenser implements the treat dispenser control loop: the
// SEARCH/ACTIVE/RESET state machine fed by IR samples, and the runner that
// binds it to a board.
package dispenser

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/LeonardoBeccarini/treat_dispenser/internal/firmware"
)

type State int

const (
	StateSearch State = iota // waiting for an object
	StateActive              // motor running
	StateReset               // waiting for the object to leave
)

func (s State) String() string {
	switch s {
	case StateSearch:
		return "search"
	case StateActive:
		return "active"
	case StateReset:
		return "reset"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Color is an RGB LED colour, one PWM duty per channel.
type Color struct {
	R, G, B uint8
}

var stateColors = map[State]Color{
	StateSearch: {0, 0, 255},
	StateActive: {0, 255, 0},
	StateReset:  {255, 0, 0},
}

func (s State) Color() Color { return stateColors[s] }

var ErrBusy = errors.New("dispenser busy")

// Output is what a single step asks the hardware to do.
type Output struct {
	State State
	From  State
	// Changed is set when this step moved the machine to another state.
	Changed bool

	Motor        bool
	MotorChanged bool
	LED          Color

	Found int
	// Dispensed is set on the step that started the motor.
	Dispensed bool
	Manual    bool
	// Refused carries the reason an activation was taken back before the
	// motor started.
	Refused error

	Distance float64
	At       time.Time
}

// Snapshot is a read-only view of the machine.
type Snapshot struct {
	State      State     `json:"state"`
	Found      int       `json:"found"`
	Motor      bool      `json:"motor"`
	Since      time.Time `json:"since"`
	Dispenses  int       `json:"dispenses"`
	LastSample float64   `json:"last_distance_cm"`
}

// Machine is not safe for concurrent use; the Runner owns it.
type Machine struct {
	cfg firmware.Config

	state     State
	found     int
	motor     bool
	deadline  time.Time
	since     time.Time
	dispenses int
	last      float64
}

func NewMachine(cfg firmware.Config) *Machine {
	// nessun campione ancora: niente davanti al sensore
	return &Machine{cfg: cfg, found: cfg.IRFoundMin, state: StateSearch, last: math.Inf(1)}
}

// Detected reports whether a distance falls in the detection window.
func (m *Machine) Detected(distanceCM float64) bool {
	return distanceCM >= m.cfg.DistanceMin && distanceCM <= m.cfg.DistanceMax
}

// Step feeds one IR sample taken at now.
func (m *Machine) Step(now time.Time, distanceCM float64) Output {
	if m.since.IsZero() {
		m.since = now
	}
	m.last = distanceCM
	from, motorBefore := m.state, m.motor

	if m.Detected(distanceCM) {
		if m.found < m.cfg.IRFoundMax {
			m.found++
		}
	} else if m.found > m.cfg.IRFoundMin {
		m.found--
	}

	dispensed := false
	switch m.state {
	case StateSearch:
		if m.found >= m.cfg.IRFoundTarget {
			m.activate(now)
			dispensed = true
		}
	case StateActive:
		if !now.Before(m.deadline) {
			m.enter(StateReset, now)
			m.motor = false
		}
	case StateReset:
		if m.found <= m.cfg.IRFoundMin {
			m.enter(StateSearch, now)
		}
	}

	out := m.output(from, motorBefore, now)
	out.Dispensed = dispensed
	out.Distance = distanceCM
	return out
}

// Trigger starts a dispense regardless of the IR counter. Only allowed while
// searching.
func (m *Machine) Trigger(now time.Time) (Output, error) {
	if m.since.IsZero() {
		m.since = now
	}
	if m.state != StateSearch {
		return Output{}, fmt.Errorf("%w: state %s", ErrBusy, m.state)
	}
	from, motorBefore := m.state, m.motor
	m.activate(now)
	out := m.output(from, motorBefore, now)
	out.Dispensed = true
	out.Manual = true
	out.Distance = m.last
	return out, nil
}

// Abort stops the motor and parks the machine in RESET with a full counter,
// so the object has to leave before the next dispense.
func (m *Machine) Abort(now time.Time) Output {
	if m.since.IsZero() {
		m.since = now
	}
	from, motorBefore := m.state, m.motor
	m.motor = false
	m.found = m.cfg.IRFoundMax
	if m.state != StateReset {
		m.enter(StateReset, now)
	}
	out := m.output(from, motorBefore, now)
	out.Distance = m.last
	return out
}

// Refuse takes back an activation that must not reach the motor: the
// dispense is not counted and the machine parks in RESET like Abort.
func (m *Machine) Refuse(now time.Time, reason error) Output {
	if m.state == StateActive && m.dispenses > 0 {
		m.dispenses--
	}
	out := m.Abort(now)
	out.Refused = reason
	return out
}

func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		State:      m.state,
		Found:      m.found,
		Motor:      m.motor,
		Since:      m.since,
		Dispenses:  m.dispenses,
		LastSample: m.last,
	}
}

func (m *Machine) activate(now time.Time) {
	m.enter(StateActive, now)
	m.motor = true
	m.deadline = now.Add(m.cfg.MotorTimeout)
	m.dispenses++
}

func (m *Machine) enter(s State, now time.Time) {
	m.state = s
	m.since = now
}

func (m *Machine) output(from State, motorBefore bool, now time.Time) Output {
	return Output{
		State:        m.state,
		From:         from,
		Changed:      from != m.state,
		Motor:        m.motor,
		MotorChanged: motorBefore != m.motor,
		LED:          m.state.Color(),
		Found:        m.found,
		At:           now,
	}
}
