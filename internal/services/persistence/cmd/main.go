package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	persistencepkg "github.com/LeonardoBeccarini/treat_dispenser/internal/services/persistence"
	rabbitmq "github.com/LeonardoBeccarini/treat_dispenser/pkg/rabbitmq"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- MQTT (RabbitMQ/MQTT) ---
	mqCfg := &rabbitmq.RabbitMQConfig{
		Host:     env("RABBITMQ_HOST", "localhost"),
		Port:     envInt("RABBITMQ_PORT", 1883),
		User:     env("RABBITMQ_USER", "guest"),
		Password: env("RABBITMQ_PASSWORD", "guest"),
		ClientID: env("MQTT_CLIENT_ID", "persistence-service"),
		Exchange: env("RABBITMQ_EXCHANGE", "amq.topic"),
	}
	topic := env("AGGREGATED_SUB_TOPIC", "sensor/aggregated/#")
	mqClient, err := rabbitmq.NewRabbitMQConn(mqCfg, ctx)
	if err != nil {
		log.Fatalf("mqtt connect failed: %v", err)
	}
	consumer := rabbitmq.NewConsumer(mqClient, topic, nil)

	// --- InfluxDB ---
	influxURL := env("INFLUX_URL", "http://localhost:8086")
	influxToken := env("INFLUX_TOKEN", "")
	influxClient := influxdb2.NewClient(influxURL, influxToken)
	defer influxClient.Close()

	svc, err := persistencepkg.NewService(consumer, influxClient, persistencepkg.InfluxConfig{
		InfluxURL:    influxURL,
		InfluxToken:  influxToken,
		InfluxOrg:    env("INFLUX_ORG", "org"),
		InfluxBucket: env("INFLUX_BUCKET", "telemetry"),
		Measurement:  env("MEASUREMENT", "dispenser_telemetry"),
	})
	if err != nil {
		log.Fatalf("persistence init failed: %v", err)
	}

	// --- HTTP mux --- (/healthz è già in NewHTTPMux)
	mux := persistencepkg.NewHTTPMux(svc)
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		pctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		ok, err := influxClient.Ping(pctx)
		w.Header().Set("Content-Type", "application/json")
		if err != nil || !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ready": err == nil && ok})
	})

	httpPort := env("PORT", "8080")
	srv := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("persistence HTTP listening on :%s", httpPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	// Avvia il consumo MQTT (e quindi scritture Influx)
	go svc.Start(ctx)

	<-ctx.Done()
	stop()

	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shCtx)
	log.Println("persistence: shutdown complete")
}
