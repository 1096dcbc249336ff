package device

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeonardoBeccarini/treat_dispenser/internal/dispenser"
	"github.com/LeonardoBeccarini/treat_dispenser/internal/model/entities"
	"github.com/LeonardoBeccarini/treat_dispenser/internal/model/messages"
	"github.com/LeonardoBeccarini/treat_dispenser/pkg/rabbitmq"
)

type PublisherFactory func(topic string) rabbitmq.IPublisher

// Controller is the part of the dispenser Runner the service drives.
type Controller interface {
	Run(ctx context.Context) error
	Dispense(ctx context.Context) error
	Reset(ctx context.Context) error
	Status() dispenser.Snapshot
	Running() bool
	BoardOK() bool
	SetListener(dispenser.Listener)
	SetGuard(dispenser.Guard)
	SetErrorHandler(func(error))
}

type Topics struct {
	Telemetry      string // sensor/data/{dispenser}
	StateChange    string // event/stateChange/{dispenser}
	DispenseResult string // event/dispenseResult/{dispenser}
}

func DefaultTopics() Topics {
	return Topics{
		Telemetry:      "sensor/data/{dispenser}",
		StateChange:    "event/stateChange/{dispenser}",
		DispenseResult: "event/dispenseResult/{dispenser}",
	}
}

type outbound struct {
	topic   string
	payload []byte
}

type pendingDispense struct {
	ticket   string
	trigger  string
	started  time.Time
	distance float64
}

// DeviceService owns one dispenser loop: it publishes its transitions,
// dispense results and raw telemetry, and enforces the daily budget.
type DeviceService struct {
	id            string
	mode          string
	motorTimeout  time.Duration
	ctrl          Controller
	makePublisher PublisherFactory
	topics        Topics
	budget        *DailyBudget
	metrics       *Metrics

	telemetryEvery time.Duration
	outbox         chan outbound

	mu      sync.Mutex
	pending *pendingDispense
	last    string // ticket dell'ultima erogazione avviata
}

func NewDeviceService(id, mode string, motorTimeout time.Duration, ctrl Controller, factory PublisherFactory, budget *DailyBudget, metrics *Metrics) *DeviceService {
	if budget == nil {
		budget = NewDailyBudget(0, nil)
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	d := &DeviceService{
		id:             id,
		mode:           mode,
		motorTimeout:   motorTimeout,
		ctrl:           ctrl,
		makePublisher:  factory,
		topics:         DefaultTopics(),
		budget:         budget,
		metrics:        metrics,
		telemetryEvery: 5 * time.Second,
		outbox:         make(chan outbound, 256),
	}
	ctrl.SetListener(d.onOutput)
	ctrl.SetGuard(func(bool) error { return d.budget.Take() })
	ctrl.SetErrorHandler(metrics.boardError)
	return d
}

func (d *DeviceService) SetTopics(t Topics) {
	def := DefaultTopics()
	d.topics = Topics{
		Telemetry:      firstNonEmpty(t.Telemetry, def.Telemetry),
		StateChange:    firstNonEmpty(t.StateChange, def.StateChange),
		DispenseResult: firstNonEmpty(t.DispenseResult, def.DispenseResult),
	}
}

func (d *DeviceService) SetTelemetryInterval(every time.Duration) {
	if every > 0 {
		d.telemetryEvery = every
	}
}

func (d *DeviceService) ID() string { return d.id }

// Start runs the loop, the publisher and the telemetry ticker until ctx is done.
func (d *DeviceService) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); d.publishLoop(ctx) }()
	go func() { defer wg.Done(); d.telemetryLoop(ctx) }()

	err := d.ctrl.Run(ctx)
	wg.Wait()
	return err
}

// Dispense starts a manual dispense and returns its ticket.
func (d *DeviceService) Dispense(ctx context.Context) (string, error) {
	if err := d.ctrl.Dispense(ctx); err != nil {
		if errors.Is(err, ErrBudgetExhausted) {
			d.metrics.refused.WithLabelValues(d.id, messages.TriggerManual).Inc()
			now := time.Now()
			ticket := uuid.New().String()
			d.enqueueResult(messages.DispenseResultEvent{
				DispenserID:  d.id,
				TicketID:     ticket,
				Trigger:      messages.TriggerManual,
				Status:       messages.ResultSkipped,
				Reason:       "budget",
				MotorTimeout: d.motorTimeout,
				DistanceCM:   messages.EncodeDistance(d.ctrl.Status().LastSample),
				StartedAt:    now,
				Timestamp:    now,
			})
		}
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, nil
}

func (d *DeviceService) Reset(ctx context.Context) error {
	return d.ctrl.Reset(ctx)
}

// Status is the snapshot plus budget usage.
func (d *DeviceService) Status() (dispenser.Snapshot, int, int) {
	used, limit := d.budget.Usage()
	return d.ctrl.Status(), used, limit
}

// Routes registers /metrics and /healthz (503 when the loop is stopped or
// the board stopped answering).
func (d *DeviceService) Routes(mux *http.ServeMux) {
	mux.Handle("/metrics", d.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !d.ctrl.Running() {
			http.Error(w, "dispenser loop not running", http.StatusServiceUnavailable)
			return
		}
		if !d.ctrl.BoardOK() {
			http.Error(w, "board unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// onOutput runs on the loop goroutine: no I/O here, only the outbox.
func (d *DeviceService) onOutput(out dispenser.Output) {
	d.metrics.observe(d.id, out)

	if out.Changed {
		d.enqueue(d.topics.StateChange, messages.StateChangeEvent{
			DispenserID: d.id,
			From:        wireState(out.From),
			To:          wireState(out.State),
			Found:       out.Found,
			Motor:       out.Motor,
			Timestamp:   out.At,
		})
	}

	switch {
	case out.Refused != nil:
		reason := "refused"
		if errors.Is(out.Refused, ErrBudgetExhausted) {
			reason = "budget"
		}
		log.Printf("device: %s automatic dispense refused: %v", d.id, out.Refused)
		d.enqueueResult(messages.DispenseResultEvent{
			DispenserID:  d.id,
			TicketID:     uuid.New().String(),
			Trigger:      triggerOf(out),
			Status:       messages.ResultSkipped,
			Reason:       reason,
			MotorTimeout: d.motorTimeout,
			DistanceCM:   messages.EncodeDistance(out.Distance),
			StartedAt:    out.At,
			Timestamp:    out.At,
		})
	case out.Dispensed:
		p := &pendingDispense{
			ticket:   uuid.New().String(),
			trigger:  triggerOf(out),
			started:  out.At,
			distance: out.Distance,
		}
		d.mu.Lock()
		d.pending = p
		d.last = p.ticket
		d.mu.Unlock()
		log.Printf("device: %s dispense started ticket=%s trigger=%s", d.id, p.ticket, p.trigger)
	}

	if out.Changed && out.From == dispenser.StateActive {
		d.mu.Lock()
		p := d.pending
		d.pending = nil
		d.mu.Unlock()
		if p == nil {
			return
		}
		status, reason := messages.ResultOK, "done"
		if out.At.Before(p.started.Add(d.motorTimeout)) {
			status, reason = messages.ResultFail, "aborted"
		}
		d.enqueueResult(messages.DispenseResultEvent{
			DispenserID:  d.id,
			TicketID:     p.ticket,
			Trigger:      p.trigger,
			Status:       status,
			Reason:       reason,
			MotorTimeout: d.motorTimeout,
			DistanceCM:   messages.EncodeDistance(p.distance),
			StartedAt:    p.started,
			Timestamp:    out.At,
		})
	}
}

func (d *DeviceService) enqueueResult(evt messages.DispenseResultEvent) {
	d.enqueue(d.topics.DispenseResult, evt)
}

func (d *DeviceService) enqueue(tmpl string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("device: marshal %T: %v", v, err)
		return
	}
	select {
	case d.outbox <- outbound{topic: rabbitmq.FormatTopic(tmpl, d.id), payload: b}:
	default:
		log.Printf("device: outbox full, dropping %T", v)
	}
}

func (d *DeviceService) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// svuota quanto già in coda
			for {
				select {
				case m := <-d.outbox:
					d.publish(m)
				default:
					return
				}
			}
		case m := <-d.outbox:
			d.publish(m)
		}
	}
}

func (d *DeviceService) publish(m outbound) {
	if err := d.makePublisher(m.topic).PublishMessage(m.payload); err != nil {
		log.Printf("device: publish on %s failed: %v", m.topic, err)
	}
}

func (d *DeviceService) telemetryLoop(ctx context.Context) {
	t := time.NewTicker(d.telemetryEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			d.publishTelemetry(now)
		}
	}
}

func (d *DeviceService) publishTelemetry(now time.Time) {
	s := d.ctrl.Status()
	d.metrics.snapshot(d.id, s)
	tel := messages.Telemetry{
		DispenserID: d.id,
		DistanceCM:  messages.EncodeDistance(s.LastSample),
		Found:       s.Found,
		State:       wireState(s.State),
		Dispenses:   s.Dispenses,
		Timestamp:   now.UTC(),
	}
	b, err := json.Marshal(tel)
	if err != nil {
		log.Printf("device: marshal telemetry: %v", err)
		return
	}
	d.publish(outbound{topic: rabbitmq.FormatTopic(d.topics.Telemetry, d.id), payload: b})
}

func wireState(s dispenser.State) entities.DispenserState {
	return entities.DispenserState(s.String())
}

func triggerOf(out dispenser.Output) string {
	if out.Manual {
		return messages.TriggerManual
	}
	return messages.TriggerAuto
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
