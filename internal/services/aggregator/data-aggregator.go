package aggregator

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/treat_dispenser/internal/model/messages"
	"github.com/LeonardoBeccarini/treat_dispenser/pkg/rabbitmq"
)

type PublisherFactory func(topic string) rabbitmq.IPublisher

// DataAggregatorService buffers raw telemetry per dispenser and publishes one
// aggregated reading per dispenser every interval.
type DataAggregatorService struct {
	consumer            rabbitmq.IConsumer[messages.Telemetry]
	makePublisher       PublisherFactory
	topicTmpl           string
	buffer              map[string][]messages.Telemetry // key is DispenserID
	mutex               sync.Mutex
	aggregationInterval time.Duration
	windowMin           float64
	windowMax           float64
	now                 func() time.Time
}

func NewDataAggregatorService(consumer rabbitmq.IConsumer[messages.Telemetry], factory PublisherFactory, aggregationInterval time.Duration, windowMin, windowMax float64) *DataAggregatorService {
	return &DataAggregatorService{
		consumer:            consumer,
		makePublisher:       factory,
		topicTmpl:           "sensor/aggregated/{dispenser}",
		aggregationInterval: aggregationInterval,
		windowMin:           windowMin,
		windowMax:           windowMax,
		buffer:              make(map[string][]messages.Telemetry),
		now:                 time.Now,
	}
}

func (d *DataAggregatorService) SetTopicTemplate(t string) {
	if t != "" {
		d.topicTmpl = t
	}
}

func (d *DataAggregatorService) messageHandler(_ string, message mqtt.Message) error {
	var tel messages.Telemetry
	if err := json.Unmarshal(message.Payload(), &tel); err != nil {
		log.Printf("Error unmarshalling telemetry: %v", err)
		return err
	}
	if tel.DispenserID == "" {
		tel.DispenserID = rabbitmq.DispenserFromTopic(message.Topic(), "sensor/data/")
	}
	if tel.DispenserID == "" || tel.Aggregated {
		return nil
	}

	d.mutex.Lock()
	d.buffer[tel.DispenserID] = append(d.buffer[tel.DispenserID], tel)
	d.mutex.Unlock()
	return nil
}

func (d *DataAggregatorService) Start(ctx context.Context) {
	// Inject the handler
	d.consumer.SetHandler(d.messageHandler)

	// consumer in goroutine, altrimenti il ticker non viene mai raggiunto
	go d.consumer.ConsumeMessage(ctx)

	ticker := time.NewTicker(d.aggregationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.aggregateAndPublish()
		}
	}
}

func (d *DataAggregatorService) aggregateAndPublish() {
	d.mutex.Lock()
	batches := make(map[string][]messages.Telemetry, len(d.buffer))
	for id, readings := range d.buffer {
		if len(readings) == 0 {
			continue
		}
		batches[id] = readings
		d.buffer[id] = nil
	}
	d.mutex.Unlock()

	// publish fuori dal lock: PublishMessage attende l'ack del broker
	for id, readings := range batches {
		out := Aggregate(id, readings, d.windowMin, d.windowMax, d.now())
		b, err := json.Marshal(out)
		if err != nil {
			log.Printf("marshal err %v", err)
			continue
		}
		topic := rabbitmq.FormatTopic(d.topicTmpl, id)
		if err := d.makePublisher(topic).PublishMessage(b); err != nil {
			log.Printf("publish err %v", err)
			continue
		}
		log.Printf("aggregator: %s samples=%d detections=%d distance=%.1f state=%s",
			id, out.Samples, out.Detections, out.DistanceCM, out.State)
	}
}

// Aggregate summarises one window of raw readings: mean of the readings that
// saw something, highest found counter, the latest state and dispense total.
func Aggregate(id string, readings []messages.Telemetry, windowMin, windowMax float64, now time.Time) messages.Telemetry {
	sorted := append([]messages.Telemetry(nil), readings...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	out := messages.Telemetry{
		DispenserID: id,
		DistanceCM:  messages.NoObject,
		Aggregated:  true,
		Samples:     len(sorted),
		Timestamp:   now.UTC(),
	}
	sum, seen := 0.0, 0
	for _, r := range sorted {
		if r.DistanceCM >= 0 {
			sum += r.DistanceCM
			seen++
			if r.DistanceCM >= windowMin && r.DistanceCM <= windowMax {
				out.Detections++
			}
		}
		if r.Found > out.Found {
			out.Found = r.Found
		}
		if r.Dispenses > out.Dispenses {
			out.Dispenses = r.Dispenses
		}
	}
	if seen > 0 {
		out.DistanceCM = math.Round(sum/float64(seen)*10) / 10
	}
	if n := len(sorted); n > 0 {
		out.State = sorted[n-1].State
	}
	return out
}
