package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LeonardoBeccarini/treat_dispenser/internal/services/gateway/app"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "gateway ", log.LstdFlags|log.Lmicroseconds)

	router, err := app.NewDeviceRouter(cfg.DeviceGRPCMap)
	if err != nil {
		log.Fatalf("device router: %v", err)
	}
	defer router.Close()

	gw := app.NewGateway(app.Config{
		PersistenceBaseURL: cfg.PersistenceURL,
		EventsBaseURL:      cfg.EventURL,
		HTTPTimeout:        ms(cfg.TimeoutMs),
		BreakerFailures:    cfg.CBFails,
		BreakerOpenFor:     ms(cfg.CBOpenMs),
		BreakerInterval:    ms(cfg.CBIntervalMs),
		Logger:             logger,
	}, router)

	mux := http.NewServeMux()
	gw.Routes(mux)

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Printf("listening on %s; devices=%v", addr, router.IDs())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	<-sigc
	logger.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
