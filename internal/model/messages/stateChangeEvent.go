package messages

import (
	"time"

	"github.com/LeonardoBeccarini/treat_dispenser/internal/model/entities"
)

// StateChangeEvent è pubblicato dal device-service ad ogni transizione della macchina a stati.
type StateChangeEvent struct {
	DispenserID string                  `json:"dispenser_id"`
	From        entities.DispenserState `json:"from"`
	To          entities.DispenserState `json:"to"`
	Found       int                     `json:"found"`
	Motor       bool                    `json:"motor"`
	Timestamp   time.Time               `json:"timestamp"`
}
