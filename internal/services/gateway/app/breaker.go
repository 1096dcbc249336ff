package app

import (
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// NewBreaker: apre dopo `fails` errori consecutivi, resta aperto openFor,
// poi half-open con una sola richiesta di prova. isSuccessful (opzionale)
// decide quali errori non contano come guasto dell'upstream.
func NewBreaker(name string, fails int, openFor, interval time.Duration, logger *log.Logger, isSuccessful func(error) bool) *gobreaker.CircuitBreaker {
	if fails < 1 {
		fails = 1
	}
	if openFor <= 0 {
		openFor = 10 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(fails)
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Printf("breaker %s: %s -> %s", name, from, to)
			}
		},
	})
}
