package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"github.com/LeonardoBeccarini/treat_dispenser/internal/services/event"
	"github.com/LeonardoBeccarini/treat_dispenser/pkg/dedup"
	"github.com/LeonardoBeccarini/treat_dispenser/pkg/rabbitmq"
)

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func main() {
	// === Config ===
	cfg := struct {
		Rabbit rabbitmq.RabbitMQConfig

		InfluxURL    string
		InfluxToken  string
		InfluxOrg    string
		InfluxBucket string

		Topics        []string
		BatchSize     int
		FlushInterval time.Duration

		HTTPPort       int
		ReadinessGrace time.Duration
	}{
		Rabbit: rabbitmq.RabbitMQConfig{
			Host:     envStr("RABBITMQ_HOST", "localhost"),
			Port:     envInt("RABBITMQ_PORT", 1883),
			User:     envStr("RABBITMQ_USER", "guest"),
			Password: envStr("RABBITMQ_PASSWORD", "guest"),
			ClientID: envStr("HOSTNAME", "event-service"),
			Exchange: envStr("RABBITMQ_EXCHANGE", "amq.topic"),
			Kind:     envStr("RABBITMQ_EXCHANGE_KIND", "topic"),
		},

		InfluxURL:    envStr("INFLUX_URL", "http://localhost:8086"),
		InfluxToken:  os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:    envStr("INFLUX_ORG", "org"),
		InfluxBucket: envStr("INFLUX_BUCKET", "events"),

		Topics:        rabbitmq.SplitTopics(envStr("EVENT_SUB_TOPICS", "event/stateChange/#,event/dispenseResult/#")),
		BatchSize:     envInt("WRITE_BATCH_SIZE", 10),
		FlushInterval: time.Duration(envInt("WRITE_FLUSH_INTERVAL_MS", 200)) * time.Millisecond,

		HTTPPort:       envInt("HTTP_PORT", 8080),
		ReadinessGrace: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === InfluxDB ===
	opts := influxdb2.DefaultOptions().
		SetBatchSize(uint(cfg.BatchSize)).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds()))
	influx := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	defer influx.Close()
	writeAPI := influx.WriteAPI(cfg.InfluxOrg, cfg.InfluxBucket)
	writer := event.NewWriter(writeAPI)

	// === MQTT ===
	mqttClient, err := rabbitmq.NewRabbitMQConn(&cfg.Rabbit, ctx)
	if err != nil {
		log.Fatalf("mqtt connection error: %v", err)
	}
	defer rabbitmq.CloseRabbitMQConn(mqttClient)

	// === HTTP ===
	mux := http.NewServeMux()
	mux.Handle("/healthz", event.NewHealthHandler(mqttClient, influx, writer))
	mux.Handle("/readyz", event.NewReadyHandler(mqttClient, influx, writer, 2*time.Second))
	// GET /events/dispense/latest?limit=20[&minutes=1440]
	mux.Handle("/events/dispense/latest", event.NewDispenseLatestHandler(influx.QueryAPI(cfg.InfluxOrg), cfg.InfluxBucket))

	hs := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("event-svc: HTTP listening on :%d", cfg.HTTPPort)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	// === Consumer === (deduper condiviso: entrambi i topic sono QoS1)
	h := event.NewMQTTHandler(writer.Write, dedup.New(10*time.Minute, 20000))
	consumer := rabbitmq.NewMultiConsumer(mqttClient, cfg.Topics, h.Handle)
	go consumer.ConsumeMessage(ctx)

	// === Wait for signal ===
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Printf("event-svc: shutting down...")
	cancel()

	shCtx, shCancel := context.WithTimeout(context.Background(), cfg.ReadinessGrace)
	defer shCancel()
	_ = hs.Shutdown(shCtx)

	// consenti flush
	writeAPI.Flush()
	time.Sleep(cfg.FlushInterval + 100*time.Millisecond)
}
