package firmware

import "time"

// Firmware constants shared by every motor mode.
const (
	VoltageScaling = 5.0 / 1023.0

	IRFoundMin    = 0
	IRFoundMax    = 15
	IRFoundTarget = 10

	IRFrameTime = 16 * time.Millisecond

	DistanceMin = 4.0  // cm
	DistanceMax = 20.0 // cm
)

// Motor timings per revision.
const (
	MotorTimeoutDC    = 300 * time.Millisecond
	MotorTimeoutServo = 100 * time.Millisecond

	ServoRunSpeed  = 180
	ServoStopSpeed = 90
)

// DefaultPins is the wiring of the reference board.
var DefaultPins = Pins{
	IRSensor: A0,
	Motor:    10,
	RGBRed:   11,
	RGBGreen: 6,
	RGBBlue:  5,
}

// Default returns the authoritative record for the given motor mode.
// An unknown mode falls back to ModeDC.
func Default(mode MotorMode) Config {
	cfg := Config{
		Mode:           ModeDC,
		Pins:           DefaultPins,
		DistanceMin:    DistanceMin,
		DistanceMax:    DistanceMax,
		MotorTimeout:   MotorTimeoutDC,
		IRFoundMin:     IRFoundMin,
		IRFoundMax:     IRFoundMax,
		IRFoundTarget:  IRFoundTarget,
		IRFrameTime:    IRFrameTime,
		VoltageScaling: VoltageScaling,
		ServoRun:       ServoRunSpeed,
		ServoStop:      ServoStopSpeed,
	}
	if mode == ModeServo {
		cfg.Mode = ModeServo
		cfg.MotorTimeout = MotorTimeoutServo
	}
	return cfg
}
