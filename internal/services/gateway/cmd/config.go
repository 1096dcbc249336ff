package main

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port      string
	TimeoutMs int

	// upstream REST (opzionali: vuoto = non interrogato)
	PersistenceURL string // es. http://persistence.cloud:8080
	EventURL       string // es. http://event-service.fog:8080

	// dispenser -> device-service gRPC, es. "dispenser-1=device-1:50051"
	DeviceGRPCMap string

	CBFails      int
	CBOpenMs     int
	CBIntervalMs int
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
func getenvInt(k string, d int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return d
}

func loadConfig() Config {
	return Config{
		Port:      getenv("PORT", "5009"),
		TimeoutMs: getenvInt("TIMEOUT_MS", 3000),

		PersistenceURL: getenv("PERSISTENCE_URL", "http://persistence.cloud:8080"),
		EventURL:       getenv("EVENT_URL", "http://event-service.fog:8080"),
		DeviceGRPCMap:  getenv("DEVICE_GRPC_ADDR_MAP", "dispenser-1=device-service:50051"),

		CBFails:      getenvInt("CB_FAILS", 3),
		CBOpenMs:     getenvInt("CB_OPEN_MS", 10000),
		CBIntervalMs: getenvInt("CB_INTERVAL_MS", 60000),
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
