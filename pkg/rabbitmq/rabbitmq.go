package rabbitmq

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// RabbitMQConfig describes the broker; RabbitMQ is reached through its MQTT
// plugin, so the exchange is only informative (amq.topic by default).
type RabbitMQConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	ClientID string
	Exchange string
	Kind     string // Exchange type (topic, fanout, etc.)

	// MaxElapsed bounds the connect retries (default 10s).
	MaxElapsed time.Duration
}

func (c *RabbitMQConfig) brokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

func NewRabbitMQConn(cfg *RabbitMQConfig, ctx context.Context) (mqtt.Client, error) {
	connAddr := cfg.brokerURL()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(connAddr)
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTT connection lost (%s): %v", cfg.ClientID, err)
	})

	// Exponential backoff per le retry in caso di fail
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second
	if cfg.MaxElapsed > 0 {
		bo.MaxElapsedTime = cfg.MaxElapsed
	}
	maxRetries := 5

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.Printf("Failed to connect to MQTT broker: %v", token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection after retries: %w", err)
	}

	log.Printf("Connected to MQTT broker at %s (client %s)", connAddr, cfg.ClientID)

	go func() {
		<-ctx.Done()
		client.Disconnect(250)
		log.Println("MQTT connection is closed")
	}()

	return client, nil
}

func CloseRabbitMQConn(client mqtt.Client) {
	if client.IsConnected() {
		client.Disconnect(250)
		log.Println("MQTT connection successfully closed.")
	}
}

// FormatTopic fills a topic template such as "event/stateChange/{dispenser}".
func FormatTopic(tmpl, dispenserID string) string {
	return strings.ReplaceAll(tmpl, "{dispenser}", dispenserID)
}

// DispenserFromTopic returns the segment after prefix, e.g.
// ("sensor/data/d1", "sensor/data/") -> "d1".
func DispenserFromTopic(topic, prefix string) string {
	rest := strings.TrimPrefix(topic, prefix)
	if rest == topic && prefix != "" {
		return ""
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
