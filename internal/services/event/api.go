package event

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
)

// Payload esposta al gateway
type Dispense struct {
	DispenserID string  `json:"dispenser_id,omitempty"`
	TicketID    string  `json:"ticket_id,omitempty"`
	Trigger     string  `json:"trigger,omitempty"`
	Status      string  `json:"status"`
	Reason      string  `json:"reason,omitempty"`
	DistanceCM  float64 `json:"distance_cm"`
	Time        string  `json:"time"` // RFC3339
}

type queryParams struct {
	Minutes   int
	Limit     int
	TimeoutMS int
	Dispenser string
}

func parseParams(r *http.Request, defMin, defLim, defTOms int) queryParams {
	q := r.URL.Query()
	get := func(k string, def, min, max int) int {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				if n < min {
					return min
				}
				if max > 0 && n > max {
					return max
				}
				return n
			}
		}
		return def
	}
	return queryParams{
		Minutes:   get("minutes", defMin, 1, 7*24*60),
		Limit:     get("limit", defLim, 1, 500),
		TimeoutMS: get("timeout_ms", defTOms, 200, 5000),
		Dispenser: strings.TrimSpace(q.Get("dispenser")),
	}
}

func buildFlux(bucket string, p queryParams) string {
	filter := ""
	if p.Dispenser != "" {
		filter = fmt.Sprintf("\n  |> filter(fn: (r) => r.dispenser_id == %q)", p.Dispenser)
	}
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%dm)
  |> filter(fn: (r) => r._measurement == %q and r.event_type == %q)%s
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n:%d)
`, bucket, p.Minutes, Measurement, TypeDispenseResult, filter, p.Limit)
}

func recordToDispense(rec *query.FluxRecord) Dispense {
	str := func(k string) string {
		s, _ := rec.ValueByKey(k).(string)
		return s
	}
	var dist float64
	switch v := rec.ValueByKey("distance_cm").(type) {
	case float64:
		dist = v
	case int64:
		dist = float64(v)
	}
	return Dispense{
		DispenserID: str("dispenser_id"),
		TicketID:    str("ticket_id"),
		Trigger:     str("trigger"),
		Status:      str("status"),
		Reason:      str("reason"),
		DistanceCM:  dist,
		Time:        rec.Time().UTC().Format(time.RFC3339),
	}
}

func runLatest(w http.ResponseWriter, r *http.Request, q api.QueryAPI, bucket string, defMin, defLim int) {
	p := parseParams(r, defMin, defLim, 2000)

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(p.TimeoutMS)*time.Millisecond)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	res, err := q.Query(ctx, buildFlux(bucket, p))
	if err != nil {
		w.Header().Set("X-Error", "influx-query-error")
		_, _ = w.Write([]byte("[]"))
		return
	}
	defer res.Close()

	out := make([]Dispense, 0, p.Limit)
	for res.Next() {
		out = append(out, recordToDispense(res.Record()))
	}
	if res.Err() != nil {
		w.Header().Set("X-Error", "influx-iter-error")
	}
	_ = json.NewEncoder(w).Encode(out)
}

// GET /events/dispense/latest?limit=20[&minutes=1440][&dispenser=id][&timeout_ms=2000]
func NewDispenseLatestHandler(q api.QueryAPI, bucket string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		runLatest(w, r, q, bucket, 1440, 20)
	})
}
