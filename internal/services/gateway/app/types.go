package app

import (
	"encoding/json"
	"strconv"

	pb "github.com/LeonardoBeccarini/treat_dispenser/grpc/dispenser"
)

// ---------- Upstream payloads ----------

// Telemetry è una riga di /data/latest del persistence-service.
type Telemetry struct {
	DispenserID string  `json:"dispenser_id"`
	DistanceCM  float64 `json:"distance_cm"` // -1 = niente davanti al sensore
	Found       int     `json:"found"`
	State       string  `json:"state"`
	Dispenses   int     `json:"dispenses"`
	Aggregated  bool    `json:"aggregated"`
	Time        string  `json:"time"` // RFC3339
}

func (t *Telemetry) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	t.DispenserID = str(m, "dispenser_id")
	t.State = str(m, "state")
	// aggregated: default false se mancante
	if v, ok := m["aggregated"].(bool); ok {
		t.Aggregated = v
	}
	// time / timestamp
	if s := str(m, "timestamp"); s != "" {
		t.Time = s
	} else {
		t.Time = str(m, "time")
	}
	t.DistanceCM = -1
	if f, ok := num(m, "distance_cm"); ok {
		t.DistanceCM = f
	}
	if f, ok := num(m, "found"); ok {
		t.Found = int(f)
	}
	if f, ok := num(m, "dispenses"); ok {
		t.Dispenses = int(f)
	}
	return nil
}

// Dispense è una riga di /events/dispense/latest dell'event-service.
type Dispense struct {
	DispenserID string  `json:"dispenser_id"`
	TicketID    string  `json:"ticket_id,omitempty"`
	Trigger     string  `json:"trigger,omitempty"`
	Status      string  `json:"status"`
	Reason      string  `json:"reason,omitempty"`
	DistanceCM  float64 `json:"distance_cm"`
	Time        string  `json:"time"` // RFC3339
}

func (d *Dispense) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	d.DispenserID = str(m, "dispenser_id")
	d.TicketID = str(m, "ticket_id")
	d.Trigger = str(m, "trigger")
	d.Status = str(m, "status")
	d.Reason = str(m, "reason")
	if s := str(m, "time"); s != "" {
		d.Time = s
	} else {
		d.Time = str(m, "timestamp")
	}
	if f, ok := num(m, "distance_cm"); ok {
		d.DistanceCM = f
	}
	return nil
}

// DeviceStatus è lo stato live letto via gRPC.
type DeviceStatus struct {
	DispenserID string          `json:"dispenser_id"`
	Reachable   bool            `json:"reachable"`
	Status      *pb.StatusReply `json:"status,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type DashboardData struct {
	Devices   []DeviceStatus     `json:"devices"`
	Telemetry []Telemetry        `json:"telemetry"`
	Dispenses []Dispense         `json:"dispenses"`
	Stats     map[string]float64 `json:"stats"`
}

func str(m map[string]any, k string) string {
	s, _ := m[k].(string)
	return s
}

// num accetta numeri, stringhe numeriche e bool
func num(m map[string]any, k string) (float64, bool) {
	switch x := m[k].(type) {
	case float64:
		return x, true
	case string:
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return f, true
		}
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
