package rabbitmq

import (
	"context"
	"log"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Handler processes one message received on queue (the subscribed topic filter).
type Handler func(queue string, message mqtt.Message) error

// IConsumer interface defines the ConsumeMessage method with dependencies T
type IConsumer[T any] interface {
	ConsumeMessage(ctx context.Context)
	SetHandler(handler func(queue string, message mqtt.Message) error)
}

// Consumer holds the client and topic for subscribing to a topic
type Consumer struct {
	client  mqtt.Client
	handler func(queue string, message mqtt.Message) error
	topic   string
}

// NewConsumer creates a new Consumer instance using the shared MQTT client and topic
func NewConsumer(client mqtt.Client, topic string, handler func(queue string, message mqtt.Message) error) *Consumer {
	return &Consumer{
		client:  client,
		topic:   topic,
		handler: handler,
	}
}

func (c *Consumer) SetHandler(handler func(queue string, message mqtt.Message) error) {
	c.handler = handler
}

// qosFor: QoS 1 per eventi e dati aggregati (redelivery gestita col dedup), 0 per la telemetria grezza.
func qosFor(topic string) byte {
	t := strings.TrimSpace(topic)
	if strings.HasPrefix(t, "sensor/aggregated") ||
		strings.HasPrefix(t, "event/dispenseResult") ||
		strings.HasPrefix(t, "event/stateChange") ||
		strings.HasPrefix(t, "sim/presence") {
		return 1
	}
	return 0
}

// Dispatch runs the handler for a message, logging instead of propagating errors.
func Dispatch(queue string, handler func(string, mqtt.Message) error, msg mqtt.Message) {
	if handler == nil {
		log.Printf("No handler set for topic %s", queue)
		return
	}
	if err := handler(queue, msg); err != nil {
		log.Printf("Error handling message on %s: %v", msg.Topic(), err)
	}
}

// ConsumeMessage subscribes to the topic and processes messages using the handler
// It blocks until the context is cancelled.
func (c *Consumer) ConsumeMessage(ctx context.Context) {
	token := c.client.Subscribe(c.topic, qosFor(c.topic), func(_ mqtt.Client, message mqtt.Message) {
		Dispatch(c.topic, c.handler, message)
	})
	if token.Wait() && token.Error() != nil {
		log.Printf("Error subscribing to topic %s: %v", c.topic, token.Error())
		return
	}
	log.Printf("Successfully subscribed to topic %s", c.topic)

	<-ctx.Done()

	unsubToken := c.client.Unsubscribe(c.topic)
	unsubToken.Wait()
}

// MultiConsumer -------------------------- [] ---------------------- [] ---------------------
type MultiConsumer struct {
	client  mqtt.Client
	topics  []string
	handler func(queue string, message mqtt.Message) error
}

func NewMultiConsumer(client mqtt.Client, topics []string, handler func(queue string, message mqtt.Message) error) *MultiConsumer {
	return &MultiConsumer{
		client:  client,
		topics:  topics,
		handler: handler,
	}
}

func (m *MultiConsumer) SetHandler(handler func(queue string, message mqtt.Message) error) {
	m.handler = handler
}

func (m *MultiConsumer) ConsumeMessage(ctx context.Context) {
	for _, topic := range m.topics {
		topic := topic
		token := m.client.Subscribe(topic, qosFor(topic), func(_ mqtt.Client, msg mqtt.Message) {
			Dispatch(topic, m.handler, msg)
		})
		token.Wait()
		if token.Error() != nil {
			log.Printf("Error subscribing to topic %s: %v", topic, token.Error())
		} else {
			log.Printf("Successfully subscribed to topic %s", topic)
		}
	}

	<-ctx.Done()

	// On context cancel: unsubscribe from all
	m.client.Unsubscribe(m.topics...).Wait()
}

// SplitTopics parses a comma separated topic list, skipping blanks.
func SplitTopics(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
