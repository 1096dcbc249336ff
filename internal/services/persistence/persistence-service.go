package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/LeonardoBeccarini/treat_dispenser/internal/model/entities"
	"github.com/LeonardoBeccarini/treat_dispenser/internal/model/messages"
	"github.com/LeonardoBeccarini/treat_dispenser/pkg/dedup"
	"github.com/LeonardoBeccarini/treat_dispenser/pkg/rabbitmq"
)

// Configurazione Influx
type InfluxConfig struct {
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
	Measurement  string // default "dispenser_telemetry"
}

// PointWriter is the part of api.WriteAPIBlocking the service uses.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type Service struct {
	consumer    rabbitmq.IConsumer[messages.Telemetry]
	writeAPI    PointWriter
	queryAPI    api.QueryAPI
	bucket      string
	measurement string
	deduper     *dedup.Deduper

	mu     sync.RWMutex
	latest map[string]messages.Telemetry // ultimo dato per dispenser
}

func NewService(consumer rabbitmq.IConsumer[messages.Telemetry], client influxdb2.Client, cfg InfluxConfig) (*Service, error) {
	if cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		return nil, fmt.Errorf("influx config incomplete")
	}
	if client == nil {
		return nil, fmt.Errorf("influx client is nil")
	}
	s := newService(consumer, client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket), cfg)
	s.queryAPI = client.QueryAPI(cfg.InfluxOrg)
	return s, nil
}

func newService(consumer rabbitmq.IConsumer[messages.Telemetry], w PointWriter, cfg InfluxConfig) *Service {
	measurement := sanitizeMeasurement(cfg.Measurement)
	if measurement == "" {
		measurement = "dispenser_telemetry"
	}
	return &Service{
		consumer:    consumer,
		writeAPI:    w,
		bucket:      cfg.InfluxBucket,
		measurement: measurement,
		deduper:     dedup.New(10*time.Minute, 20000),
		latest:      make(map[string]messages.Telemetry),
	}
}

func (s *Service) Start(ctx context.Context) {
	// Handler invocato dal consumer per ogni messaggio MQTT
	s.consumer.SetHandler(func(topic string, msg mqtt.Message) error {
		return s.handle(ctx, topic, msg)
	})
	// blocca finché il contesto non chiude
	s.consumer.ConsumeMessage(ctx)
}

func (s *Service) handle(ctx context.Context, topic string, msg mqtt.Message) error {
	// redelivery QoS1: stesso payload → stesso hash
	if !s.deduper.ShouldProcessPayload(msg.Payload()) {
		return nil
	}
	var m messages.Telemetry
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		log.Printf("persistence: invalid JSON on %s: %v", topic, err)
		return nil // non bloccare lo stream
	}
	if m.DispenserID == "" {
		m.DispenserID = rabbitmq.DispenserFromTopic(msg.Topic(), "sensor/aggregated/")
	}
	if m.DispenserID == "" {
		log.Printf("persistence: telemetry without dispenser id on %s", msg.Topic())
		return nil
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	s.remember(m)

	if err := s.writeAPI.WritePoint(ctx, TelemetryToPoint(s.measurement, m)); err != nil {
		log.Printf("persistence: write error: %v", err)
		return err
	}
	log.Printf("persistence: wrote %s dispenser=%s distance=%.1f found=%d state=%s",
		s.measurement, m.DispenserID, m.DistanceCM, m.Found, m.State)
	return nil
}

func (s *Service) remember(m messages.Telemetry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.latest[m.DispenserID]; ok && prev.Timestamp.After(m.Timestamp) {
		return
	}
	s.latest[m.DispenserID] = m
}

// LatestCache returns the newest telemetry seen per dispenser.
func (s *Service) LatestCache() []messages.Telemetry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]messages.Telemetry, 0, len(s.latest))
	for _, v := range s.latest {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DispenserID < out[j].DispenserID })
	return out
}

// TelemetryToPoint: il tag è il dispenser, lo stato; la distanza è scritta
// solo quando il sensore vedeva qualcosa.
func TelemetryToPoint(measurement string, m messages.Telemetry) *write.Point {
	tags := map[string]string{
		"dispenser_id": m.DispenserID,
		"state":        string(m.State),
	}
	fields := map[string]interface{}{
		"found":      m.Found,
		"dispenses":  m.Dispenses,
		"aggregated": m.Aggregated,
		"samples":    m.Samples,
		"detections": m.Detections,
		"present":    m.DistanceCM >= 0,
	}
	if m.DistanceCM >= 0 {
		fields["distance_cm"] = m.DistanceCM
	}
	return influxdb2.NewPoint(measurement, tags, fields, m.Timestamp)
}

// LatestFlux is the query for the newest row per dispenser in the last
// minutes.
func LatestFlux(bucket, measurement string, minutes int) string {
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: -%dm)
  |> filter(fn: (r) => r._measurement == %q)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group(columns: ["dispenser_id"])
  |> sort(columns: ["_time"])
  |> last(column: "_time")`, bucket, minutes, measurement)
}

func (s *Service) QueryLatestFromInflux(ctx context.Context, minutes int) ([]messages.Telemetry, error) {
	if s.queryAPI == nil {
		return nil, fmt.Errorf("influx query api not configured")
	}
	res, err := s.queryAPI.Query(ctx, LatestFlux(s.bucket, s.measurement, minutes))
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	defer res.Close()

	var out []messages.Telemetry
	for res.Next() {
		rec := res.Record()
		id, _ := rec.ValueByKey("dispenser_id").(string)
		if id == "" {
			continue
		}
		state, _ := rec.ValueByKey("state").(string)
		aggregated, _ := rec.ValueByKey("aggregated").(bool)
		t := messages.Telemetry{
			DispenserID: id,
			DistanceCM:  messages.NoObject,
			Found:       toInt(rec.ValueByKey("found")),
			State:       entities.DispenserState(state),
			Aggregated:  aggregated,
			Samples:     toInt(rec.ValueByKey("samples")),
			Detections:  toInt(rec.ValueByKey("detections")),
			Dispenses:   toInt(rec.ValueByKey("dispenses")),
			Timestamp:   rec.Time().UTC(),
		}
		if d, ok := toFloat(rec.ValueByKey("distance_cm")); ok {
			t.DistanceCM = d
		}
		out = append(out, t)
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("influx result: %w", err)
	}
	return out, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}

func toInt(v interface{}) int {
	f, _ := toFloat(v)
	return int(f)
}

func sanitizeMeasurement(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '_', r == ':', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
