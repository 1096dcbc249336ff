package rabbitmq

import (
	"fmt"
	"log"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// IPublisher interface defines the method to publish a message
type IPublisher interface {
	PublishMessage(message interface{}) error
	PublishMessageQos(qos byte, retained bool, message interface{}) error
	Close()
}

// Publisher holds the client and topic for publishing messages
type Publisher struct {
	client   mqtt.Client
	topic    string
	exchange string
	verbose  bool
}

// NewPublisher creates a new Publisher instance using the shared MQTT client and topic
func NewPublisher(client mqtt.Client, topic string, exchange string) *Publisher {
	return &Publisher{
		client:   client,
		topic:    topic,
		exchange: exchange,
	}
}

// SetVerbose logs every published payload (noisy on telemetry topics).
func (p *Publisher) SetVerbose(v bool) { p.verbose = v }

// PublishMessage publishes a message with the topic's default QoS.
func (p *Publisher) PublishMessage(message interface{}) error {
	return p.PublishMessageQos(qosFor(p.topic), false, message)
}

// PublishMessageQos accepts a string or a []byte payload.
func (p *Publisher) PublishMessageQos(qos byte, retained bool, message interface{}) error {
	switch message.(type) {
	case string, []byte:
	default:
		return fmt.Errorf("invalid message format, expected string or []byte, got %T", message)
	}

	token := p.client.Publish(p.topic, qos, retained, message)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish message on %s: %w", p.topic, token.Error())
	}

	if p.verbose {
		log.Printf("Message '%v' published to topic '%s'", message, p.topic)
	}
	return nil
}

// Close gracefully closes the MQTT connection for the publisher
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		log.Println("MQTT client disconnected")
	}
}
