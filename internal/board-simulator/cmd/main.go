// cmd/board-sim/main.go
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	boardSimulator "github.com/LeonardoBeccarini/treat_dispenser/internal/board-simulator"
	"github.com/LeonardoBeccarini/treat_dispenser/internal/firmware"
	"github.com/LeonardoBeccarini/treat_dispenser/internal/model/messages"
	"github.com/LeonardoBeccarini/treat_dispenser/pkg/rabbitmq"
)

func main() {
	// define flags
	dispenserID := flag.String("dispenser-id", "dispenser-1", "unique dispenser identifier")
	clientID := flag.String("client-id", "boardSim1", "MQTT client ID")
	listen := flag.String("listen", ":7070", "board protocol listen address")
	mode := flag.String("mode", "dc", "motor mode (dc|servo)")
	configPath := flag.String("config", "", "firmware YAML override file")
	meanIdle := flag.Duration("mean-idle", 30*time.Second, "mean time between pet visits (0 disables them)")
	meanStay := flag.Duration("mean-stay", 3*time.Second, "mean time a pet stays in front of the sensor")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	logEvery := flag.Duration("log-every", 50*time.Millisecond, "output polling interval for the log")
	mqttHost := flag.String("mqtt-host", "localhost", "RabbitMQ MQTT host (empty disables presence events)")
	mqttPort := flag.Int("mqtt-port", 1883, "RabbitMQ MQTT port")
	presenceTopic := flag.String("presence-topic", "sim/presence/{dispenser}", "PetPresenceEvent topic template")
	flag.Parse()

	motorMode, err := firmware.ParseMotorMode(*mode)
	if err != nil {
		log.Fatal(err)
	}
	cfg, err := firmware.Load(*configPath, motorMode)
	if err != nil {
		log.Fatalf("firmware config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var consumer rabbitmq.IConsumer[messages.PetPresenceEvent]
	if *mqttHost != "" {
		// inject flags into config
		rmq := &rabbitmq.RabbitMQConfig{
			Host:     *mqttHost,
			Port:     *mqttPort,
			User:     "guest",
			Password: "guest",
			ClientID: *clientID,
			Exchange: "amq.topic",
			Kind:     "topic",
		}
		client, err := rabbitmq.NewRabbitMQConn(rmq, ctx)
		if err != nil {
			log.Fatal(err)
		}
		consumer = rabbitmq.NewConsumer(client, rabbitmq.FormatTopic(*presenceTopic, *dispenserID), nil)
	}

	gen := boardSimulator.NewPetGenerator(cfg.DistanceMin, cfg.DistanceMax, *meanIdle, *meanStay, *seed)
	sim := boardSimulator.NewBoardSimulator(*dispenserID, cfg, consumer, gen)

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatalf("listen %s: %v", *listen, err)
	}

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
		<-sigc
		log.Println("shutting down...")
		cancel()
	}()

	if err := sim.Start(ctx, lis, *logEvery); err != nil {
		log.Fatalf("board-sim: %v", err)
	}
}
