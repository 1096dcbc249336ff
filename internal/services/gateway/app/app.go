package app

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

type Config struct {
	PersistenceBaseURL string
	EventsBaseURL      string
	PersistencePath    string
	EventsPath         string
	HTTPTimeout        time.Duration

	BreakerFailures int
	BreakerOpenFor  time.Duration
	BreakerInterval time.Duration

	Logger *log.Logger
}

type Gateway struct {
	cfg         Config
	persistence *Upstream
	events      *Upstream
	devices     DeviceRouter

	mu             sync.Mutex
	deviceCB       map[string]*gobreaker.CircuitBreaker
	lastGoodEvents []Dispense
}

func NewGateway(cfg Config, devices DeviceRouter) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 3 * time.Second
	}
	if cfg.PersistencePath == "" {
		cfg.PersistencePath = "/data/latest"
	}
	if cfg.EventsPath == "" {
		cfg.EventsPath = "/events/dispense/latest"
	}
	if devices == nil {
		devices = NewStaticRouter(nil)
	}
	// Un breaker per ciascun upstream
	pcb := NewBreaker("persistence-service", cfg.BreakerFailures, cfg.BreakerOpenFor, cfg.BreakerInterval, cfg.Logger, nil)
	ecb := NewBreaker("event-service", cfg.BreakerFailures, cfg.BreakerOpenFor, cfg.BreakerInterval, cfg.Logger, nil)

	return &Gateway{
		cfg:         cfg,
		persistence: NewUpstream("persistence", cfg.PersistenceBaseURL, cfg.PersistencePath, cfg.HTTPTimeout, pcb),
		events:      NewUpstream("events", cfg.EventsBaseURL, cfg.EventsPath, cfg.HTTPTimeout, ecb),
		devices:     devices,
		deviceCB:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Routes registra gli endpoint del gateway.
func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /dashboard/data", g.HandleDashboard)
	mux.HandleFunc("GET /dispensers/{id}/status", g.HandleStatus)
	mux.HandleFunc("POST /dispensers/{id}/dispense", g.HandleDispense)
	mux.HandleFunc("POST /dispensers/{id}/reset", g.HandleReset)
}

// breaker per dispenser, creato al primo uso
func (g *Gateway) deviceBreaker(id string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.deviceCB[id]
	if !ok {
		cb = NewBreaker("device-"+id, g.cfg.BreakerFailures, g.cfg.BreakerOpenFor, g.cfg.BreakerInterval, g.cfg.Logger, deviceCallOK)
		g.deviceCB[id] = cb
	}
	return cb
}

func (g *Gateway) cacheEvents(ds []Dispense) {
	g.mu.Lock()
	g.lastGoodEvents = ds
	g.mu.Unlock()
}

func (g *Gateway) cachedEvents() []Dispense {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastGoodEvents
}
