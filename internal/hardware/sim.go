package hardware

import (
	"sync"

	"github.com/LeonardoBeccarini/treat_dispenser/internal/firmware"
)

// Sim is an in-memory board. Analog inputs are set by the caller (or computed
// by an AnalogSource), outputs are recorded.
type Sim struct {
	mu      sync.Mutex
	analog  map[firmware.Pin]int
	digital map[firmware.Pin]bool
	pwm     map[firmware.Pin]uint8
	source  AnalogSource
	closed  bool
	readErr error
}

// AnalogSource computes an analog reading on demand.
type AnalogSource func(pin firmware.Pin) (int, bool)

var _ Board = (*Sim)(nil)

func NewSim() *Sim {
	return &Sim{
		analog:  make(map[firmware.Pin]int),
		digital: make(map[firmware.Pin]bool),
		pwm:     make(map[firmware.Pin]uint8),
	}
}

func (s *Sim) SetAnalog(pin firmware.Pin, raw int) {
	s.mu.Lock()
	s.analog[pin] = raw
	s.mu.Unlock()
}

// SetSource installs a dynamic analog source; pins it does not handle fall
// back to the static values.
func (s *Sim) SetSource(src AnalogSource) {
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
}

// FailReads makes every AnalogRead return err (nil to recover).
func (s *Sim) FailReads(err error) {
	s.mu.Lock()
	s.readErr = err
	s.mu.Unlock()
}

func (s *Sim) AnalogRead(pin firmware.Pin) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.readErr != nil {
		return 0, s.readErr
	}
	if s.source != nil {
		if v, ok := s.source(pin); ok {
			return v, nil
		}
	}
	return s.analog[pin], nil
}

func (s *Sim) DigitalWrite(pin firmware.Pin, high bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.digital[pin] = high
	return nil
}

func (s *Sim) PWMWrite(pin firmware.Pin, duty uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.pwm[pin] = duty
	return nil
}

func (s *Sim) Digital(pin firmware.Pin) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.digital[pin]
}

func (s *Sim) PWM(pin firmware.Pin) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pwm[pin]
}

func (s *Sim) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
