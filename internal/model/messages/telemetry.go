package messages

import (
	"math"
	"time"

	"github.com/LeonardoBeccarini/treat_dispenser/internal/model/entities"
)

// Telemetry holds both raw and aggregated IR readings.
// DistanceCM is -1 when nothing was in range (JSON has no +Inf).
type Telemetry struct {
	DispenserID string                  `json:"dispenser_id"`
	DistanceCM  float64                 `json:"distance_cm"`
	Found       int                     `json:"found"`
	State       entities.DispenserState `json:"state"`
	Aggregated  bool                    `json:"aggregated"`
	Samples     int                     `json:"samples,omitempty"`    // only aggregated
	Detections  int                     `json:"detections,omitempty"` // only aggregated
	Dispenses   int                     `json:"dispenses"`
	Timestamp   time.Time               `json:"timestamp"`
}

// NoObject is the DistanceCM sent when the sensor sees nothing in range.
const NoObject = -1.0

// EncodeDistance maps +Inf/NaN readings to NoObject.
func EncodeDistance(cm float64) float64 {
	if math.IsInf(cm, 0) || math.IsNaN(cm) {
		return NoObject
	}
	return math.Round(cm*10) / 10
}
