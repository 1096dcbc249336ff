package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pb "github.com/LeonardoBeccarini/treat_dispenser/grpc/dispenser"
)

var errUnknownDispenser = errors.New("unknown dispenser")

func (g *Gateway) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.HTTPTimeout)
	defer cancel()

	evq := url.Values{}
	if v := r.URL.Query().Get("limit"); v != "" {
		evq.Set("limit", v)
	}
	if v := r.URL.Query().Get("minutes"); v != "" {
		evq.Set("minutes", v)
	}

	var (
		wg        sync.WaitGroup
		telemetry []Telemetry
		dispenses []Dispense
		devices   []DeviceStatus
		telErr    error
		evErr     error
	)
	// Fetch in parallelo
	wg.Add(3)
	go func() {
		defer wg.Done()
		telErr = g.persistence.GetJSON(ctx, nil, &telemetry)
	}()
	go func() {
		defer wg.Done()
		evErr = g.events.GetJSON(ctx, evq, &dispenses)
	}()
	go func() {
		defer wg.Done()
		devices = g.fetchDevices(ctx)
	}()
	wg.Wait()

	if telErr != nil {
		g.cfg.Logger.Printf("gateway: telemetry: %v", telErr)
		telemetry = nil
	}
	// eventi: se il servizio non risponde (o risponde vuoto) usa l'ultima cache valida
	eventsSource := "live"
	if evErr == nil && len(dispenses) > 0 {
		g.cacheEvents(dispenses)
	} else {
		if evErr != nil {
			g.cfg.Logger.Printf("gateway: events: %v", evErr)
		}
		if cached := g.cachedEvents(); len(cached) > 0 {
			dispenses = cached
			eventsSource = "cache"
		}
	}

	data := DashboardData{
		Devices:   devices,
		Telemetry: telemetry,
		Dispenses: dispenses,
	}
	if data.Devices == nil {
		data.Devices = []DeviceStatus{}
	}
	if data.Telemetry == nil {
		data.Telemetry = []Telemetry{}
	}
	if data.Dispenses == nil {
		data.Dispenses = []Dispense{}
	}
	sort.Slice(data.Telemetry, func(i, j int) bool { return data.Telemetry[i].DispenserID < data.Telemetry[j].DispenserID })
	data.Stats = buildStats(data)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Events-Source", eventsSource)
	_ = json.NewEncoder(w).Encode(data)

	g.cfg.Logger.Printf("GET /dashboard/data [%dms] cb[pers]=%s cb[event]=%s devices=%d telemetry=%d dispenses=%d (%s)",
		time.Since(start).Milliseconds(), g.persistence.State(), g.events.State(),
		len(data.Devices), len(data.Telemetry), len(data.Dispenses), eventsSource)
}

// fetchDevices interroga tutti i device in parallelo; un device giù non blocca gli altri.
func (g *Gateway) fetchDevices(ctx context.Context) []DeviceStatus {
	ids := g.devices.IDs()
	out := make([]DeviceStatus, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			ds := DeviceStatus{DispenserID: id}
			res, err := g.callDevice(id, func(c pb.DispenserServiceClient) (any, error) {
				return c.GetStatus(ctx, id)
			})
			if err != nil {
				ds.Error = err.Error()
			} else {
				st := res.(pb.StatusReply)
				ds.Reachable = true
				ds.Status = &st
			}
			out[i] = ds
		}(i, id)
	}
	wg.Wait()
	return out
}

func (g *Gateway) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.HTTPTimeout)
	defer cancel()

	res, err := g.callDevice(id, func(c pb.DispenserServiceClient) (any, error) {
		return c.GetStatus(ctx, id)
	})
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /dispensers/{id}/dispense
func (g *Gateway) HandleDispense(w http.ResponseWriter, r *http.Request) {
	g.command(w, r, "dispense", func(ctx context.Context, c pb.DispenserServiceClient, id string) (pb.CommandResponse, error) {
		return c.Dispense(ctx, id)
	})
}

// POST /dispensers/{id}/reset
func (g *Gateway) HandleReset(w http.ResponseWriter, r *http.Request) {
	g.command(w, r, "reset", func(ctx context.Context, c pb.DispenserServiceClient, id string) (pb.CommandResponse, error) {
		return c.Reset(ctx, id)
	})
}

type commandCall func(ctx context.Context, c pb.DispenserServiceClient, id string) (pb.CommandResponse, error)

func (g *Gateway) command(w http.ResponseWriter, r *http.Request, name string, call commandCall) {
	id := strings.TrimSpace(r.PathValue("id"))
	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.HTTPTimeout)
	defer cancel()

	res, err := g.callDevice(id, func(c pb.DispenserServiceClient) (any, error) {
		return call(ctx, c, id)
	})
	if err != nil {
		g.cfg.Logger.Printf("gateway: %s %s: %v", name, id, err)
		writeError(w, httpStatusFor(err), err)
		return
	}
	resp := res.(pb.CommandResponse)
	code := http.StatusOK
	if !resp.Success {
		// rifiutato dal device (occupato o budget finito)
		code = http.StatusConflict
	}
	g.cfg.Logger.Printf("gateway: %s %s success=%v ticket=%s", name, id, resp.Success, resp.TicketID)
	writeJSON(w, code, resp)
}

func (g *Gateway) callDevice(id string, fn func(pb.DispenserServiceClient) (any, error)) (any, error) {
	cli, ok := g.devices.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w %q", errUnknownDispenser, id)
	}
	return g.deviceBreaker(id).Execute(func() (any, error) { return fn(cli) })
}

// deviceCallOK: solo gli errori di trasporto aprono il breaker del device
func deviceCallOK(err error) bool {
	if err == nil {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Unknown, codes.Internal:
		return false
	}
	return true
}

func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, errUnknownDispenser):
		return http.StatusNotFound
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch status.Code(err) {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func buildStats(d DashboardData) map[string]float64 {
	stats := map[string]float64{
		"dispensers": float64(len(d.Devices)),
	}
	var reachable, dispenses float64
	for _, dev := range d.Devices {
		if dev.Reachable && dev.Status != nil {
			reachable++
			dispenses += float64(dev.Status.Dispenses)
		}
	}
	stats["reachable"] = reachable
	stats["dispenses"] = dispenses

	var n int
	var sum, minv, maxv float64
	minv = math.MaxFloat64
	for _, t := range d.Telemetry {
		if t.DistanceCM < 0 {
			continue
		}
		n++
		sum += t.DistanceCM
		minv = math.Min(minv, t.DistanceCM)
		maxv = math.Max(maxv, t.DistanceCM)
	}
	if n > 0 {
		stats["distance_mean"] = math.Round(sum/float64(n)*10) / 10
		stats["distance_min"] = minv
		stats["distance_max"] = maxv
	}

	for _, e := range d.Dispenses {
		switch strings.ToUpper(e.Status) {
		case "OK":
			stats["results_ok"]++
		case "FAIL":
			stats["results_fail"]++
		case "SKIPPED":
			stats["results_skipped"]++
		}
	}
	return stats
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
