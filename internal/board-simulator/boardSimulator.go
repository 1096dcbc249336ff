package board_simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/treat_dispenser/internal/firmware"
	"github.com/LeonardoBeccarini/treat_dispenser/internal/hardware"
	"github.com/LeonardoBeccarini/treat_dispenser/internal/model/messages"
	"github.com/LeonardoBeccarini/treat_dispenser/pkg/dedup"
	"github.com/LeonardoBeccarini/treat_dispenser/pkg/rabbitmq"
)

// BoardSimulator is a fake Arduino: it serves the board protocol over TCP,
// feeds the IR pin from a PetGenerator and records motor and LED outputs.
type BoardSimulator struct {
	mu          sync.Mutex
	dispenserID string
	cfg         firmware.Config
	board       *hardware.Sim
	generator   *PetGenerator
	consumer    rabbitmq.IConsumer[messages.PetPresenceEvent]
	deduper     *dedup.Deduper
	now         func() time.Time

	timer  *time.Timer // single timer
	pinned *float64    // distanza forzata da un PetPresenceEvent
}

func NewBoardSimulator(dispenserID string, cfg firmware.Config, consumer rabbitmq.IConsumer[messages.PetPresenceEvent], gen *PetGenerator) *BoardSimulator {
	s := &BoardSimulator{
		dispenserID: dispenserID,
		cfg:         cfg,
		board:       hardware.NewSim(),
		generator:   gen,
		consumer:    consumer,
		deduper:     dedup.New(2*time.Minute, 10000), // TTL e cap
		now:         time.Now,
	}
	s.board.SetSource(s.analog)
	return s
}

// Board exposes the simulated pins.
func (s *BoardSimulator) Board() *hardware.Sim { return s.board }

// Start serves the board protocol on lis and consumes presence events until
// ctx is cancelled. Outputs are logged every logEvery when they change.
func (s *BoardSimulator) Start(ctx context.Context, lis net.Listener, logEvery time.Duration) error {
	if s.consumer != nil {
		s.consumer.SetHandler(s.handleMessage)
		go s.consumer.ConsumeMessage(ctx)
	}
	if logEvery > 0 {
		go s.watchOutputs(ctx, logEvery)
	}
	log.Printf("board-sim %s: serving on %s (IR on %s, motor on %s, mode %s)",
		s.dispenserID, lis.Addr(), s.cfg.Pins.IRSensor, s.cfg.Pins.Motor, s.cfg.Mode)
	return hardware.Serve(ctx, lis, s.board)
}

// Distance is what the IR sensor sees right now.
func (s *BoardSimulator) Distance() float64 {
	s.mu.Lock()
	pinned := s.pinned
	s.mu.Unlock()
	if pinned != nil {
		return *pinned
	}
	if s.generator == nil {
		return math.Inf(1)
	}
	return s.generator.Distance(s.now())
}

func (s *BoardSimulator) analog(pin firmware.Pin) (int, bool) {
	if pin != s.cfg.Pins.IRSensor {
		return 0, false
	}
	return hardware.RawForDistance(s.Distance(), s.cfg.VoltageScaling), true
}

func (s *BoardSimulator) handleMessage(_ string, msg mqtt.Message) error {
	// Dedup a payload: redelivery QoS1 ha lo stesso payload → stesso hash
	if s.deduper != nil && !s.deduper.ShouldProcessPayload(msg.Payload()) {
		return nil
	}

	var evt messages.PetPresenceEvent
	if err := json.Unmarshal(msg.Payload(), &evt); err != nil {
		return fmt.Errorf("invalid PetPresenceEvent: %w", err)
	}
	if evt.DispenserID != "" && evt.DispenserID != s.dispenserID {
		return nil
	}
	s.applyTimedPresence(evt)
	return nil
}

// applyTimedPresence pins the IR distance for evt.Duration, then hands the
// sensor back to the generator. A zero duration only clears a previous pin.
func (s *BoardSimulator) applyTimedPresence(evt messages.PetPresenceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if evt.Duration <= 0 {
		s.pinned = nil
		log.Printf("board-sim %s: presence cleared", s.dispenserID)
		return
	}

	d := evt.DistanceCM
	if d < 0 {
		d = math.Inf(1)
	}
	s.pinned = &d
	log.Printf("board-sim %s: object at %.1fcm for %s", s.dispenserID, evt.DistanceCM, evt.Duration)

	s.timer = time.AfterFunc(evt.Duration, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.pinned = nil
		s.timer = nil
		log.Printf("board-sim %s: presence expired", s.dispenserID)
	})
}

type outputs struct {
	motor bool
	speed uint8
	led   [3]uint8
}

func (s *BoardSimulator) readOutputs() outputs {
	p := s.cfg.Pins
	return outputs{
		motor: s.board.Digital(p.Motor),
		speed: s.board.PWM(p.Motor),
		led:   [3]uint8{s.board.PWM(p.RGBRed), s.board.PWM(p.RGBGreen), s.board.PWM(p.RGBBlue)},
	}
}

func (s *BoardSimulator) watchOutputs(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	var last outputs
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cur := s.readOutputs()
			if cur == last {
				continue
			}
			last = cur
			motor := fmt.Sprintf("motor=%v", cur.motor)
			if s.cfg.Mode == firmware.ModeServo {
				motor = fmt.Sprintf("servo=%d", cur.speed)
			}
			log.Printf("board-sim %s: %s led=%v distance=%.1fcm", s.dispenserID, motor, cur.led, s.Distance())
		}
	}
}
