package messages

import "time"

const (
	TriggerAuto   = "auto"
	TriggerManual = "manual"

	ResultOK      = "OK"
	ResultSkipped = "SKIPPED"
	ResultFail    = "FAIL"
)

// DispenseResultEvent è pubblicato dal device-service per ogni erogazione (o rifiuto).
type DispenseResultEvent struct {
	DispenserID  string        `json:"dispenser_id"`
	TicketID     string        `json:"ticket_id"`
	Trigger      string        `json:"trigger"` // "auto" | "manual"
	Status       string        `json:"status"`  // "OK" | "SKIPPED" | "FAIL"
	Reason       string        `json:"reason"`  // "done" | "budget" | "board"
	MotorTimeout time.Duration `json:"motor_timeout"`
	DistanceCM   float64       `json:"distance_cm"`
	StartedAt    time.Time     `json:"started_at"`
	Timestamp    time.Time     `json:"timestamp"`
}
