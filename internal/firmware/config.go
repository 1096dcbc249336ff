// Package firmware holds the dispenser configuration record: pin assignments,
// detection window, motor timing and IR sample bookkeeping.
package firmware

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Pin is an Arduino Uno pin number. Analog inputs start at A0 = 14.
type Pin int

const A0 Pin = 14

// MaxPin is A5, the last pin of the board.
const MaxPin = A0 + 5

func (p Pin) String() string {
	if p >= A0 && p <= MaxPin {
		return fmt.Sprintf("A%d", int(p-A0))
	}
	return fmt.Sprintf("D%d", int(p))
}

// MotorMode selects how the motor pin is driven.
type MotorMode string

const (
	// ModeDC drives a DC motor through a digital output.
	ModeDC MotorMode = "dc"
	// ModeServo drives a continuous rotation servo with a PWM speed.
	ModeServo MotorMode = "servo"
)

func ParseMotorMode(s string) (MotorMode, error) {
	switch MotorMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDC, "":
		return ModeDC, nil
	case ModeServo:
		return ModeServo, nil
	default:
		return "", fmt.Errorf("unknown motor mode %q", s)
	}
}

type Pins struct {
	IRSensor Pin `yaml:"ir_sensor" json:"ir_sensor"`
	Motor    Pin `yaml:"motor" json:"motor"`
	RGBRed   Pin `yaml:"rgb_red" json:"rgb_red"`
	RGBGreen Pin `yaml:"rgb_green" json:"rgb_green"`
	RGBBlue  Pin `yaml:"rgb_blue" json:"rgb_blue"`
}

// Config is the single authoritative configuration record of a dispenser.
// Values are fixed once the firmware loop starts.
type Config struct {
	Mode MotorMode `yaml:"mode" json:"mode"`
	Pins Pins      `yaml:"pins" json:"pins"`

	// detection window [cm]
	DistanceMin float64 `yaml:"distance_min" json:"distance_min"`
	DistanceMax float64 `yaml:"distance_max" json:"distance_max"`

	// how long the motor runs per activation
	MotorTimeout time.Duration `yaml:"motor_timeout" json:"motor_timeout"`

	// IR sample counter bounds
	IRFoundMin    int `yaml:"ir_found_min" json:"ir_found_min"`
	IRFoundMax    int `yaml:"ir_found_max" json:"ir_found_max"`
	IRFoundTarget int `yaml:"ir_found_target" json:"ir_found_target"`

	IRFrameTime    time.Duration `yaml:"ir_frametime" json:"ir_frametime"`
	VoltageScaling float64       `yaml:"voltage_scaling" json:"voltage_scaling"`

	// servo speeds, only used in ModeServo (90 = stop on a continuous servo)
	ServoRun  int `yaml:"servo_run" json:"servo_run"`
	ServoStop int `yaml:"servo_stop" json:"servo_stop"`
}

var ErrInvalid = errors.New("invalid firmware config")

// Validate checks the structural invariants of the record and reports every
// violation at once.
func (c Config) Validate() error {
	var errs []error
	if c.Mode != ModeDC && c.Mode != ModeServo {
		errs = append(errs, fmt.Errorf("mode %q is not dc|servo", c.Mode))
	}
	if !(c.DistanceMin < c.DistanceMax) {
		errs = append(errs, fmt.Errorf("distance_min %.1f must be < distance_max %.1f", c.DistanceMin, c.DistanceMax))
	}
	if c.DistanceMin < 0 {
		errs = append(errs, fmt.Errorf("distance_min %.1f must be >= 0", c.DistanceMin))
	}
	if !(c.IRFoundMin <= c.IRFoundTarget && c.IRFoundTarget <= c.IRFoundMax) {
		errs = append(errs, fmt.Errorf("need ir_found_min %d <= ir_found_target %d <= ir_found_max %d",
			c.IRFoundMin, c.IRFoundTarget, c.IRFoundMax))
	}
	if c.MotorTimeout <= 0 {
		errs = append(errs, fmt.Errorf("motor_timeout %s must be positive", c.MotorTimeout))
	}
	if c.IRFrameTime <= 0 {
		errs = append(errs, fmt.Errorf("ir_frametime %s must be positive", c.IRFrameTime))
	}
	if c.VoltageScaling <= 0 {
		errs = append(errs, fmt.Errorf("voltage_scaling %g must be positive", c.VoltageScaling))
	}
	if c.Mode == ModeServo {
		for name, v := range map[string]int{"servo_run": c.ServoRun, "servo_stop": c.ServoStop} {
			if v < 0 || v > 180 {
				errs = append(errs, fmt.Errorf("%s %d out of 0..180", name, v))
			}
		}
	}
	if err := c.Pins.distinct(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func (p Pins) distinct() error {
	roles := []struct {
		name string
		pin  Pin
	}{
		{"ir_sensor", p.IRSensor},
		{"motor", p.Motor},
		{"rgb_red", p.RGBRed},
		{"rgb_green", p.RGBGreen},
		{"rgb_blue", p.RGBBlue},
	}
	seen := make(map[Pin]string, len(roles))
	var errs []error
	for _, r := range roles {
		if r.pin < 0 || r.pin > MaxPin {
			errs = append(errs, fmt.Errorf("pin %s number %d out of 0..%d", r.name, int(r.pin), int(MaxPin)))
			continue
		}
		if other, ok := seen[r.pin]; ok {
			errs = append(errs, fmt.Errorf("pin %s shared by %s and %s", r.pin, other, r.name))
			continue
		}
		seen[r.pin] = r.name
	}
	return errors.Join(errs...)
}
