package messages

import "time"

// PetPresenceEvent asks the board simulator to hold an object at DistanceCM
// for Duration, then go back to its random pet visits.
type PetPresenceEvent struct {
	DispenserID string        `json:"dispenser_id"`
	DistanceCM  float64       `json:"distance_cm"`
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
}
