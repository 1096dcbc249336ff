package device

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	pb "github.com/LeonardoBeccarini/treat_dispenser/grpc/dispenser"
	"github.com/LeonardoBeccarini/treat_dispenser/internal/dispenser"
	"github.com/LeonardoBeccarini/treat_dispenser/internal/firmware"
	"github.com/LeonardoBeccarini/treat_dispenser/internal/hardware"
	"github.com/LeonardoBeccarini/treat_dispenser/internal/model/messages"
	"github.com/LeonardoBeccarini/treat_dispenser/pkg/rabbitmq"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

// ---- fakes ----

type published struct {
	topic   string
	payload []byte
}

type fakeBroker struct {
	mu   sync.Mutex
	msgs []published
}

func (b *fakeBroker) factory(topic string) rabbitmq.IPublisher {
	return &fakePublisher{b: b, topic: topic}
}

func (b *fakeBroker) all() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.msgs...)
}

type fakePublisher struct {
	b     *fakeBroker
	topic string
}

func (p *fakePublisher) PublishMessage(message interface{}) error {
	return p.PublishMessageQos(0, false, message)
}

func (p *fakePublisher) PublishMessageQos(_ byte, _ bool, message interface{}) error {
	var b []byte
	switch m := message.(type) {
	case []byte:
		b = m
	case string:
		b = []byte(m)
	}
	p.b.mu.Lock()
	p.b.msgs = append(p.b.msgs, published{topic: p.topic, payload: b})
	p.b.mu.Unlock()
	return nil
}

func (p *fakePublisher) Close() {}

type fakeController struct {
	listener  dispenser.Listener
	guard     dispenser.Guard
	onErr     func(error)
	snap      dispenser.Snapshot
	running   atomic.Bool
	boardDown atomic.Bool
	err       error
}

func (f *fakeController) Run(ctx context.Context) error { <-ctx.Done(); return nil }
func (f *fakeController) Status() dispenser.Snapshot    { return f.snap }
func (f *fakeController) Running() bool                 { return f.running.Load() }
func (f *fakeController) BoardOK() bool                 { return !f.boardDown.Load() }
func (f *fakeController) SetListener(l dispenser.Listener) {
	f.listener = l
}
func (f *fakeController) SetGuard(g dispenser.Guard)    { f.guard = g }
func (f *fakeController) SetErrorHandler(h func(error)) { f.onErr = h }
func (f *fakeController) Reset(context.Context) error   { return f.err }

// Dispense behaves like the Runner: guard first, then a manual activation.
func (f *fakeController) Dispense(context.Context) error {
	if f.err != nil {
		return f.err
	}
	if err := f.guard(true); err != nil {
		return err
	}
	f.listener(dispenser.Output{
		State: dispenser.StateActive, From: dispenser.StateSearch, Changed: true,
		Motor: true, MotorChanged: true, Dispensed: true, Manual: true, At: t0, Distance: 9,
	})
	return nil
}

func newTestService(t *testing.T, limit int) (*DeviceService, *fakeController, *fakeBroker) {
	t.Helper()
	ctrl := &fakeController{}
	ctrl.running.Store(true)
	broker := &fakeBroker{}
	svc := NewDeviceService("d1", "dc", 300*time.Millisecond, ctrl, broker.factory, NewDailyBudget(limit, time.UTC), NewMetrics())
	return svc, ctrl, broker
}

// drain publishes whatever the listener queued.
func drain(svc *DeviceService) {
	for {
		select {
		case m := <-svc.outbox:
			svc.publish(m)
		default:
			return
		}
	}
}

func resultsOf(t *testing.T, msgs []published) []messages.DispenseResultEvent {
	t.Helper()
	var out []messages.DispenseResultEvent
	for _, m := range msgs {
		if m.topic != "event/dispenseResult/d1" {
			continue
		}
		var evt messages.DispenseResultEvent
		if err := json.Unmarshal(m.payload, &evt); err != nil {
			t.Fatal(err)
		}
		out = append(out, evt)
	}
	return out
}

func countTopic(msgs []published, topic string) int {
	n := 0
	for _, m := range msgs {
		if m.topic == topic {
			n++
		}
	}
	return n
}

// ---- budget ----

func TestDailyBudgetLimitAndRollover(t *testing.T) {
	b := NewDailyBudget(2, time.UTC)
	now := t0
	b.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if err := b.Take(); err != nil {
			t.Fatalf("take %d: %v", i, err)
		}
	}
	if err := b.Take(); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("third take err = %v", err)
	}
	if used, limit := b.Usage(); used != 2 || limit != 2 {
		t.Errorf("usage = %d/%d", used, limit)
	}

	now = t0.Add(24 * time.Hour)
	if err := b.Take(); err != nil {
		t.Errorf("budget not reset on a new day: %v", err)
	}
	if used, _ := b.Usage(); used != 1 {
		t.Errorf("used after rollover = %d", used)
	}
}

func TestDailyBudgetUnlimited(t *testing.T) {
	b := NewDailyBudget(0, nil)
	for i := 0; i < 1000; i++ {
		if err := b.Take(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMidnightLocalUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	// 23:30 UTC is already the next day at UTC+2
	got := midnightLocal(time.Date(2024, 5, 1, 23, 30, 0, 0, time.UTC), loc)
	if got.Day() != 2 || got.Hour() != 0 {
		t.Errorf("midnight = %v", got)
	}
}

// ---- listener ----

func TestAutomaticDispensePublishesEventsAndResult(t *testing.T) {
	svc, ctrl, broker := newTestService(t, 0)

	ctrl.listener(dispenser.Output{
		State: dispenser.StateActive, From: dispenser.StateSearch, Changed: true,
		Motor: true, MotorChanged: true, Found: 10, Dispensed: true, Distance: 8.04, At: t0,
	})
	ctrl.listener(dispenser.Output{
		State: dispenser.StateReset, From: dispenser.StateActive, Changed: true,
		MotorChanged: true, Found: 15, At: t0.Add(300 * time.Millisecond),
	})
	drain(svc)

	msgs := broker.all()
	if n := countTopic(msgs, "event/stateChange/d1"); n != 2 {
		t.Errorf("state change events = %d", n)
	}
	var first messages.StateChangeEvent
	if err := json.Unmarshal(msgs[0].payload, &first); err != nil {
		t.Fatal(err)
	}
	if first.From != "search" || first.To != "active" || !first.Motor {
		t.Errorf("state change = %+v", first)
	}

	res := resultsOf(t, msgs)
	if len(res) != 1 {
		t.Fatalf("results = %d", len(res))
	}
	r := res[0]
	if r.Status != messages.ResultOK || r.Reason != "done" || r.Trigger != messages.TriggerAuto {
		t.Errorf("result = %+v", r)
	}
	if r.TicketID == "" || r.DistanceCM != 8 || !r.StartedAt.Equal(t0) {
		t.Errorf("result = %+v", r)
	}
	if got := testutil.ToFloat64(svc.metrics.dispenses.WithLabelValues("d1", "auto")); got != 1 {
		t.Errorf("dispenses metric = %v", got)
	}
	if got := testutil.ToFloat64(svc.metrics.transitions.WithLabelValues("d1", "active", "reset")); got != 1 {
		t.Errorf("transition metric = %v", got)
	}
	if got := testutil.ToFloat64(svc.metrics.state.WithLabelValues("d1")); got != float64(dispenser.StateReset) {
		t.Errorf("state gauge = %v", got)
	}
}

func TestAbortedDispenseFails(t *testing.T) {
	svc, ctrl, broker := newTestService(t, 0)
	ctrl.listener(dispenser.Output{State: dispenser.StateActive, From: dispenser.StateSearch, Changed: true, Dispensed: true, At: t0})
	ctrl.listener(dispenser.Output{State: dispenser.StateReset, From: dispenser.StateActive, Changed: true, At: t0.Add(50 * time.Millisecond)})
	drain(svc)

	res := resultsOf(t, broker.all())
	if len(res) != 1 || res[0].Status != messages.ResultFail || res[0].Reason != "aborted" {
		t.Errorf("results = %+v", res)
	}
}

func TestRefusedAutomaticDispenseIsSkipped(t *testing.T) {
	svc, ctrl, broker := newTestService(t, 0)
	ctrl.listener(dispenser.Output{
		State: dispenser.StateReset, From: dispenser.StateSearch, Changed: true,
		Refused: ErrBudgetExhausted, Distance: math.Inf(1), At: t0,
	})
	drain(svc)

	res := resultsOf(t, broker.all())
	if len(res) != 1 {
		t.Fatalf("results = %d", len(res))
	}
	if res[0].Status != messages.ResultSkipped || res[0].Reason != "budget" || res[0].DistanceCM != messages.NoObject {
		t.Errorf("result = %+v", res[0])
	}
	if got := testutil.ToFloat64(svc.metrics.refused.WithLabelValues("d1", "auto")); got != 1 {
		t.Errorf("refused metric = %v", got)
	}
}

func TestGuardUsesBudget(t *testing.T) {
	_, ctrl, _ := newTestService(t, 1)
	if err := ctrl.guard(false); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.guard(false); !errors.Is(err, ErrBudgetExhausted) {
		t.Errorf("err = %v", err)
	}
}

// ---- manual dispense ----

func TestManualDispenseReturnsTicket(t *testing.T) {
	svc, _, broker := newTestService(t, 1)

	ticket, err := svc.Dispense(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ticket == "" {
		t.Fatal("empty ticket")
	}

	if _, err := svc.Dispense(context.Background()); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("second dispense err = %v", err)
	}
	drain(svc)
	res := resultsOf(t, broker.all())
	if len(res) != 1 || res[0].Status != messages.ResultSkipped || res[0].Trigger != messages.TriggerManual {
		t.Errorf("results = %+v", res)
	}
	if got := testutil.ToFloat64(svc.metrics.refused.WithLabelValues("d1", "manual")); got != 1 {
		t.Errorf("refused metric = %v", got)
	}
}

// ---- telemetry ----

func TestPublishTelemetry(t *testing.T) {
	svc, ctrl, broker := newTestService(t, 0)
	ctrl.snap = dispenser.Snapshot{State: dispenser.StateSearch, Found: 4, Dispenses: 7, LastSample: math.Inf(1)}
	svc.publishTelemetry(t0)

	msgs := broker.all()
	if len(msgs) != 1 || msgs[0].topic != "sensor/data/d1" {
		t.Fatalf("msgs = %+v", msgs)
	}
	var tel messages.Telemetry
	if err := json.Unmarshal(msgs[0].payload, &tel); err != nil {
		t.Fatal(err)
	}
	if tel.DistanceCM != messages.NoObject || tel.Found != 4 || tel.Dispenses != 7 || tel.State != "search" || tel.Aggregated {
		t.Errorf("telemetry = %+v", tel)
	}
	if got := testutil.ToFloat64(svc.metrics.found.WithLabelValues("d1")); got != 4 {
		t.Errorf("found gauge = %v", got)
	}
}

func TestCustomTopics(t *testing.T) {
	svc, ctrl, broker := newTestService(t, 0)
	svc.SetTopics(Topics{StateChange: "treats/{dispenser}/state"})
	ctrl.listener(dispenser.Output{State: dispenser.StateReset, From: dispenser.StateSearch, Changed: true, At: t0})
	drain(svc)
	if n := countTopic(broker.all(), "treats/d1/state"); n != 1 {
		t.Errorf("custom topic not used: %+v", broker.all())
	}
}

// ---- http ----

func TestHealthAndMetrics(t *testing.T) {
	svc, ctrl, _ := newTestService(t, 0)
	mux := http.NewServeMux()
	svc.Routes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}

	ctrl.boardDown.Store(true)
	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("healthz with board down = %d", resp.StatusCode)
	}
	ctrl.boardDown.Store(false)

	ctrl.running.Store(false)
	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("healthz when stopped = %d", resp.StatusCode)
	}

	svc.metrics.boardError(errors.New("x"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "treat_ir_read_errors_total 1") {
		t.Errorf("metrics body missing read errors:\n%s", rec.Body.String())
	}
}

// ---- gRPC handler ----

func TestGrpcHandler(t *testing.T) {
	svc, ctrl, _ := newTestService(t, 0)
	ctrl.snap = dispenser.Snapshot{State: dispenser.StateActive, Found: 12, Motor: true, LastSample: 7.25}
	h := NewGrpcHandler(svc)
	ctx := context.Background()

	if _, err := h.GetStatus(ctx, wrapperspb.String("other")); status.Code(err) != codes.NotFound {
		t.Errorf("wrong id err = %v", err)
	}

	st, err := h.GetStatus(ctx, wrapperspb.String("d1"))
	if err != nil {
		t.Fatal(err)
	}
	var reply pb.StatusReply
	if err := pb.FromStruct(st, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.State != "active" || reply.Found != 12 || !reply.Motor || reply.DistanceCM != 7.3 || reply.Mode != "dc" || !reply.BoardOK {
		t.Errorf("status = %+v", reply)
	}

	resp, err := h.Dispense(ctx, wrapperspb.String(""))
	if err != nil {
		t.Fatal(err)
	}
	var cmd pb.CommandResponse
	if err := pb.FromStruct(resp, &cmd); err != nil {
		t.Fatal(err)
	}
	if !cmd.Success || cmd.TicketID == "" {
		t.Errorf("dispense = %+v", cmd)
	}

	ctrl.err = dispenser.ErrBusy
	resp, err = h.Dispense(ctx, wrapperspb.String("d1"))
	if err != nil {
		t.Fatal(err)
	}
	cmd = pb.CommandResponse{}
	if err := pb.FromStruct(resp, &cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.Success {
		t.Errorf("busy dispense reported success: %+v", cmd)
	}

	ctrl.err = dispenser.ErrNotRunning
	if _, err := h.Reset(ctx, wrapperspb.String("d1")); status.Code(err) != codes.Unavailable {
		t.Errorf("reset err = %v", err)
	}
}

// ---- end to end over a simulated board ----

func TestServiceWithSimulatedBoard(t *testing.T) {
	cfg := firmware.Default(firmware.ModeDC)
	cfg.IRFrameTime = time.Millisecond
	cfg.MotorTimeout = 20 * time.Millisecond
	cfg.IRFoundTarget = 3
	cfg.IRFoundMax = 5

	sim := hardware.NewSim()
	sim.SetAnalog(cfg.Pins.IRSensor, hardware.RawForDistance(10, cfg.VoltageScaling))
	broker := &fakeBroker{}
	svc := NewDeviceService("d1", string(cfg.Mode), cfg.MotorTimeout, dispenser.NewRunner(cfg, sim), broker.factory, NewDailyBudget(1, time.UTC), NewMetrics())
	svc.SetTelemetryInterval(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		res := resultsOf(t, broker.all())
		if len(res) > 0 {
			if res[0].Status != messages.ResultOK || res[0].Trigger != messages.TriggerAuto {
				t.Errorf("first result = %+v", res[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no dispense result published")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if used, _ := svc.budget.Usage(); used != 1 {
		t.Errorf("budget used = %d", used)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start = %v", err)
	}
	if sim.Digital(cfg.Pins.Motor) {
		t.Error("motor left on after shutdown")
	}
	if countTopic(broker.all(), "sensor/data/d1") == 0 {
		t.Error("no telemetry published")
	}
}
