package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"

	pb "github.com/LeonardoBeccarini/treat_dispenser/grpc/dispenser"
	"github.com/LeonardoBeccarini/treat_dispenser/internal/dispenser"
	"github.com/LeonardoBeccarini/treat_dispenser/internal/firmware"
	"github.com/LeonardoBeccarini/treat_dispenser/internal/hardware"
	"github.com/LeonardoBeccarini/treat_dispenser/internal/services/device"
	"github.com/LeonardoBeccarini/treat_dispenser/pkg/rabbitmq"
)

func mustEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	if def != "" {
		return def
	}
	log.Fatalf("missing required env %s", k)
	return ""
}

func envInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid %s=%q: %v", k, v, err)
	}
	return n
}

func envDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid %s=%q: %v", k, v, err)
	}
	return d
}

func envBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("invalid %s=%q: %v", k, v, err)
	}
	return b
}

func main() {
	// ---- ENV ----
	host := mustEnv("RABBITMQ_HOST", "")
	port := envInt("RABBITMQ_PORT", 1883)
	user := mustEnv("RABBITMQ_USER", "")
	pass := mustEnv("RABBITMQ_PASSWORD", "")
	dispenserID := mustEnv("DISPENSER_ID", "dispenser-1")
	clientID := mustEnv("RABBITMQ_CLIENTID", "device-"+dispenserID)
	exchange := mustEnv("RABBITMQ_EXCHANGE", "amq.topic")
	grpcPort := mustEnv("GRPC_PORT", "50051")
	httpAddr := mustEnv("HTTP_ADDR", ":9100")
	boardAddr := strings.TrimSpace(os.Getenv("BOARD_ADDR")) // vuoto = board simulata in-process

	mode, err := firmware.ParseMotorMode(os.Getenv("MOTOR_MODE"))
	if err != nil {
		log.Fatalf("MOTOR_MODE: %v", err)
	}

	// ---- firmware record: default per modo, file YAML, poi ENV ----
	cfg, err := firmware.Load(strings.TrimSpace(os.Getenv("FIRMWARE_CONFIG_PATH")), mode)
	if err != nil {
		log.Fatalf("firmware config: %v", err)
	}
	if cfg, err = cfg.ApplyEnv("DISPENSER_"); err != nil {
		log.Fatalf("firmware env overrides: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("firmware config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- board ----
	var board hardware.Board
	if boardAddr != "" {
		b, err := hardware.Dial(ctx, boardAddr, envDuration("BOARD_DIAL_TIMEOUT", 30*time.Second))
		if err != nil {
			log.Fatalf("board: %v", err)
		}
		board = b
	} else {
		log.Printf("BOARD_ADDR not set: using an in-process simulated board")
		board = hardware.NewSim()
	}
	defer board.Close()

	// ---- MQTT (RabbitMQ plugin) ----
	rmqc := &rabbitmq.RabbitMQConfig{
		Host:     host,
		Port:     port,
		User:     user,
		Password: pass,
		ClientID: clientID,
		Exchange: exchange,
		Kind:     "topic",
	}
	client, err := rabbitmq.NewRabbitMQConn(rmqc, ctx)
	if err != nil {
		log.Fatalf("MQTT connect error: %v", err)
	}
	verbose := envBool("MQTT_VERBOSE", false) // logga ogni payload pubblicato
	publisherFactory := func(topic string) rabbitmq.IPublisher {
		p := rabbitmq.NewPublisher(client, topic, rmqc.Exchange)
		p.SetVerbose(verbose)
		return p
	}

	// ---- service ----
	runner := dispenser.NewRunner(cfg, board)
	budget := device.NewDailyBudget(envInt("DAILY_LIMIT", 0), device.LoadLocation(os.Getenv("TZ")))
	svc := device.NewDeviceService(dispenserID, string(cfg.Mode), cfg.MotorTimeout, runner, publisherFactory, budget, device.NewMetrics())
	svc.SetTelemetryInterval(envDuration("TELEMETRY_INTERVAL", 5*time.Second))
	svc.SetTopics(device.Topics{
		Telemetry:      os.Getenv("SENSOR_DATA_TEMPLATE"),
		StateChange:    os.Getenv("EVENT_STATECHANGE_TEMPLATE"),
		DispenseResult: os.Getenv("EVENT_DISPENSERESULT_TEMPLATE"),
	})

	// ---- gRPC server ----
	addr := ":" + grpcPort
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen %s: %v", addr, err)
	}
	grpcServer := grpc.NewServer()
	pb.RegisterDispenserServiceServer(grpcServer, device.NewGrpcHandler(svc))
	go func() {
		log.Printf("DispenserService gRPC %s; dispenser=%s mode=%s motor=%s", addr, dispenserID, cfg.Mode, cfg.MotorTimeout)
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("gRPC serve error: %v", err)
		}
	}()

	// ---- HTTP: /metrics, /healthz ----
	mux := http.NewServeMux()
	svc.Routes(mux)
	srv := &http.Server{Addr: httpAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("device HTTP on %s", httpAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	// ---- graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	<-sigc
	log.Println("shutting down...")
	cancel()
	grpcServer.GracefulStop()
	shCtx, shCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shCancel()
	_ = srv.Shutdown(shCtx)
	if err := <-done; err != nil {
		log.Printf("device: %v", err)
	}
}
