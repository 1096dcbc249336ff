package event

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	msg "github.com/LeonardoBeccarini/treat_dispenser/internal/model/messages"
	"github.com/LeonardoBeccarini/treat_dispenser/pkg/dedup"
	"github.com/LeonardoBeccarini/treat_dispenser/pkg/rabbitmq"
)

const (
	TypeStateChange    = "dispenser.state_change"
	TypeDispenseResult = "dispenser.dispense_result"

	stateChangePrefix    = "event/stateChange/"
	dispenseResultPrefix = "event/dispenseResult/"
)

type CommonEvent struct {
	EventType     string // dispenser.state_change | dispenser.dispense_result
	SourceService string // device-service | ...
	DispenserID   string
	Severity      string // info|warning|error
	Fields        map[string]interface{}
	Timestamp     time.Time
}

// MQTTHandler trasforma messaggi MQTT in CommonEvent e li passa a sink (Influx).
type MQTTHandler struct {
	sink    func(CommonEvent)
	deduper *dedup.Deduper
}

// NewMQTTHandler: d may be nil (no dedup). Both event topics are QoS1, so
// redeliveries carry the same payload and are dropped by hash.
func NewMQTTHandler(sink func(CommonEvent), d *dedup.Deduper) *MQTTHandler {
	return &MQTTHandler{sink: sink, deduper: d}
}

func (h *MQTTHandler) Handle(_ string, m mqtt.Message) error {
	topic := m.Topic()
	payload := m.Payload()

	var (
		evt CommonEvent
		err error
	)
	switch {
	case strings.HasPrefix(topic, stateChangePrefix):
		evt, err = decodeStateChange(topic, payload)
	case strings.HasPrefix(topic, dispenseResultPrefix):
		evt, err = decodeDispenseResult(topic, payload)
	default:
		return nil // ignora altri topic
	}
	if err != nil {
		return err
	}
	if !h.deduper.ShouldProcessPayload(payload) {
		return nil
	}
	if h.sink != nil {
		h.sink(evt)
	}
	return nil
}

func decodeStateChange(topic string, payload []byte) (CommonEvent, error) {
	var s msg.StateChangeEvent
	if err := json.Unmarshal(payload, &s); err != nil {
		return CommonEvent{}, err
	}
	id := pickID(topic, s.DispenserID, stateChangePrefix)
	if id == "" {
		return CommonEvent{}, errors.New("stateChange: missing dispenser")
	}
	return CommonEvent{
		EventType:     TypeStateChange,
		SourceService: "device-service",
		DispenserID:   id,
		Severity:      "info",
		Fields: map[string]interface{}{
			"from":  string(s.From),
			"to":    string(s.To),
			"found": s.Found,
			"motor": s.Motor,
		},
		Timestamp: stamp(s.Timestamp),
	}, nil
}

func decodeDispenseResult(topic string, payload []byte) (CommonEvent, error) {
	var r msg.DispenseResultEvent
	if err := json.Unmarshal(payload, &r); err != nil {
		return CommonEvent{}, err
	}
	id := pickID(topic, r.DispenserID, dispenseResultPrefix)
	if id == "" {
		return CommonEvent{}, errors.New("result: missing dispenser")
	}
	sev := "info"
	if strings.EqualFold(r.Status, msg.ResultFail) {
		sev = "warning"
	}
	return CommonEvent{
		EventType:     TypeDispenseResult,
		SourceService: "device-service",
		DispenserID:   id,
		Severity:      sev,
		Fields: map[string]interface{}{
			"ticket_id":   r.TicketID,
			"trigger":     r.Trigger,
			"status":      r.Status,
			"reason":      r.Reason,
			"motor_ms":    r.MotorTimeout.Milliseconds(),
			"distance_cm": r.DistanceCM,
		},
		Timestamp: stamp(r.Timestamp),
	}, nil
}

// pickID usa il payload, oppure il topic "prefix/{dispenser}".
func pickID(topic, id, prefix string) string {
	if strings.TrimSpace(id) != "" {
		return id
	}
	return rabbitmq.DispenserFromTopic(topic, prefix)
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
