package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/LeonardoBeccarini/treat_dispenser/internal/firmware"
	"github.com/LeonardoBeccarini/treat_dispenser/internal/services/aggregator"
	"github.com/LeonardoBeccarini/treat_dispenser/pkg/rabbitmq"
)

func env(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if n, err := strconv.Atoi(env(k, "")); err == nil {
		return n
	}
	return def
}

func envBool(k string, def bool) bool {
	if b, err := strconv.ParseBool(env(k, "")); err == nil {
		return b
	}
	return def
}

func main() {
	// RabbitMQ configuration for MQTT connection
	cfg := &rabbitmq.RabbitMQConfig{
		Host:     env("RABBITMQ_HOST", "localhost"),
		Port:     envInt("RABBITMQ_PORT", 1883),
		User:     env("RABBITMQ_USER", "guest"),
		Password: env("RABBITMQ_PASSWORD", "guest"),
		ClientID: env("RABBITMQ_CLIENTID", "dataAggregator1"),
		Exchange: env("RABBITMQ_EXCHANGE", "amq.topic"),
		Kind:     "topic",
	}
	interval, err := time.ParseDuration(env("AGGREGATION_INTERVAL", "1m"))
	if err != nil || interval <= 0 {
		log.Fatalf("invalid AGGREGATION_INTERVAL: %v", err)
	}

	// la finestra di rilevamento è quella del firmware (default + override ENV)
	fw, err := firmware.Default(firmware.ModeDC).ApplyEnv("DISPENSER_")
	if err != nil {
		log.Fatalf("firmware env overrides: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := rabbitmq.NewRabbitMQConn(cfg, ctx)
	if err != nil {
		log.Fatalf("Failed to connect to MQTT broker: %v", err)
	}

	verbose := envBool("MQTT_VERBOSE", false)
	factory := func(topic string) rabbitmq.IPublisher {
		p := rabbitmq.NewPublisher(client, topic, cfg.Exchange)
		p.SetVerbose(verbose)
		return p
	}
	// nil handler because it will be injected later
	consumer := rabbitmq.NewConsumer(client, env("SENSOR_DATA_TOPIC", "sensor/data/+"), nil)

	svc := aggregator.NewDataAggregatorService(consumer, factory, interval, fw.DistanceMin, fw.DistanceMax)
	svc.SetTopicTemplate(env("SENSOR_AGGREGATED_TEMPLATE", ""))

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
		<-sigc
		log.Println("shutting down...")
		cancel()
	}()

	log.Printf("Data Aggregator service is running (interval %s)...", interval)
	svc.Start(ctx)
}
