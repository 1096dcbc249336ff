// Package hardware abstracts the microcontroller board the dispenser firmware
// drives: one analog input for the IR sensor, one motor output, three PWM
// outputs for the RGB LED.
package hardware

import (
	"errors"
	"math"

	"github.com/LeonardoBeccarini/treat_dispenser/internal/firmware"
)

// Board is the minimal I/O surface the firmware needs.
type Board interface {
	// AnalogRead returns a 10-bit ADC reading (0..1023).
	AnalogRead(pin firmware.Pin) (int, error)
	DigitalWrite(pin firmware.Pin, high bool) error
	// PWMWrite sets a duty cycle (0..255). On a servo pin the value is the
	// servo angle/speed (0..180).
	PWMWrite(pin firmware.Pin, duty uint8) error
	Close() error
}

var ErrClosed = errors.New("board closed")

const adcMax = 1023

// GP2Y0A41SK0F fit: d[cm] = 12.08 * V^-1.058 (valid 4..30 cm).
const (
	irCurveK   = 12.08
	irCurveExp = -1.058
)

// DistanceCM converts an ADC reading of the IR sensor into centimeters.
// A zero reading means nothing reflects and yields +Inf.
func DistanceCM(raw int, scaling float64) float64 {
	v := float64(raw) * scaling
	if v <= 0 {
		return math.Inf(1)
	}
	return irCurveK * math.Pow(v, irCurveExp)
}

// RawForDistance is the inverse of DistanceCM, clamped to the ADC range.
// +Inf and non positive distances map to the extremes.
func RawForDistance(cm float64, scaling float64) int {
	if math.IsInf(cm, 1) || scaling <= 0 {
		return 0
	}
	if cm <= 0 {
		return adcMax
	}
	v := math.Pow(cm/irCurveK, 1/irCurveExp)
	raw := int(math.Round(v / scaling))
	if raw < 0 {
		return 0
	}
	if raw > adcMax {
		return adcMax
	}
	return raw
}
