package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// Upstream incapsula chiamate HTTP con Circuit Breaker
type Upstream struct {
	base    string
	path    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	name    string
}

// NewUpstream costruisce un client verso un servizio a monte
func NewUpstream(name, base, path string, timeout time.Duration, breaker *gobreaker.CircuitBreaker) *Upstream {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	path = "/" + strings.TrimLeft(strings.TrimSpace(path), "/")
	return &Upstream{
		base:    base,
		path:    path,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		name:    name,
	}
}

func (u *Upstream) Configured() bool { return u != nil && u.base != "" }

func (u *Upstream) State() string {
	if u == nil || u.breaker == nil {
		return "n/a"
	}
	return u.breaker.State().String()
}

// GetJSON esegue la GET (query opzionale) e decodifica JSON in out
func (u *Upstream) GetJSON(ctx context.Context, query url.Values, out any) error {
	if !u.Configured() {
		// upstream opzionale non configurato: non è un errore, lasciamo out invariato
		return nil
	}
	_, err := u.breaker.Execute(func() (any, error) {
		return nil, u.get(ctx, query, out)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%s breaker: %w", u.name, err)
	}
	return err
}

func (u *Upstream) get(ctx context.Context, query url.Values, out any) error {
	target := u.base + u.path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("%s request: %w", u.name, err)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request error: %w", u.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s upstream status %d", u.name, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s decode error: %w", u.name, err)
	}
	return nil
}
