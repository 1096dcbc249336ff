package persistence

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/LeonardoBeccarini/treat_dispenser/internal/model/messages"
)

// LatestRow is one entry of GET /data/latest.
type LatestRow struct {
	DispenserID string  `json:"dispenser_id"`
	DistanceCM  float64 `json:"distance_cm"`
	Found       int     `json:"found"`
	State       string  `json:"state"`
	Samples     int     `json:"samples"`
	Detections  int     `json:"detections"`
	Dispenses   int     `json:"dispenses"`
	Aggregated  bool    `json:"aggregated"`
	Timestamp   string  `json:"timestamp"`
}

type latestSource interface {
	QueryLatestFromInflux(ctx context.Context, minutes int) ([]messages.Telemetry, error)
	LatestCache() []messages.Telemetry
}

func NewHTTPMux(svc latestSource) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })

	// GET /data/latest
	// Query params:
	//   source=auto|influx|cache   (default auto: prova Influx, fallback cache)
	//   minutes=<int>              (finestra temporale per Influx, default 1440 = 24h)
	mux.HandleFunc("/data/latest", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		source := strings.ToLower(q.Get("source"))
		if source == "" {
			source = "auto"
		}
		if source != "auto" && source != "influx" && source != "cache" {
			http.Error(w, "source must be auto|influx|cache", http.StatusBadRequest)
			return
		}
		minutes := 60 * 24
		if s := q.Get("minutes"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				minutes = n
			}
		}

		var list []messages.Telemetry
		var err error
		var used string

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if source == "influx" || source == "auto" {
			list, err = svc.QueryLatestFromInflux(ctx, minutes)
			if err == nil && len(list) > 0 {
				used = "influx"
			}
			if source == "influx" && err != nil {
				http.Error(w, "influx: "+err.Error(), http.StatusBadGateway)
				return
			}
		}
		if used == "" && source != "influx" { // cache path
			list = svc.LatestCache()
			used = "cache"
		}
		if used == "" {
			used = "influx"
		}

		out := make([]LatestRow, 0, len(list))
		for _, v := range list {
			out = append(out, LatestRow{
				DispenserID: v.DispenserID,
				DistanceCM:  v.DistanceCM,
				Found:       v.Found,
				State:       string(v.State),
				Samples:     v.Samples,
				Detections:  v.Detections,
				Dispenses:   v.Dispenses,
				Aggregated:  v.Aggregated,
				Timestamp:   v.Timestamp.UTC().Format(time.RFC3339),
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].DispenserID < out[j].DispenserID })

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Data-Source", used)
		_ = json.NewEncoder(w).Encode(out)
	})

	return mux
}
