package rabbitmq

import (
	"errors"
	"reflect"
	"testing"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestQosFor(t *testing.T) {
	tests := map[string]byte{
		"sensor/data/d1":         0,
		"sensor/aggregated/#":    1,
		"event/stateChange/d1":   1,
		"event/dispenseResult/#": 1,
		" sim/presence/d1":       1,
		"something/else":         0,
	}
	for topic, want := range tests {
		if got := qosFor(topic); got != want {
			t.Errorf("qosFor(%q) = %d, want %d", topic, got, want)
		}
	}
}

func TestFormatTopic(t *testing.T) {
	if got := FormatTopic("event/stateChange/{dispenser}", "kitchen-1"); got != "event/stateChange/kitchen-1" {
		t.Errorf("got %q", got)
	}
}

func TestDispenserFromTopic(t *testing.T) {
	tests := []struct{ topic, prefix, want string }{
		{"sensor/data/d1", "sensor/data/", "d1"},
		{"event/stateChange/d2/extra", "event/stateChange/", "d2"},
		{"other/d1", "sensor/data/", ""},
	}
	for _, tt := range tests {
		if got := DispenserFromTopic(tt.topic, tt.prefix); got != tt.want {
			t.Errorf("DispenserFromTopic(%q, %q) = %q", tt.topic, tt.prefix, got)
		}
	}
}

func TestSplitTopics(t *testing.T) {
	got := SplitTopics(" a/#, ,b/+ ,")
	if !reflect.DeepEqual(got, []string{"a/#", "b/+"}) {
		t.Errorf("got %v", got)
	}
}

func TestDispatch(t *testing.T) {
	var gotQueue string
	Dispatch("q/#", func(queue string, m mqtt.Message) error {
		gotQueue = queue
		return errors.New("ignored")
	}, fakeMessage{topic: "q/1"})
	if gotQueue != "q/#" {
		t.Errorf("queue = %q", gotQueue)
	}
	// nil handler must not panic
	Dispatch("q/#", nil, fakeMessage{topic: "q/1"})
}
