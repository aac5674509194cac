// Package mqtt mirrors presence notifications and word spans to an MQTT
// broker so dashboards can follow the conversation without polling badges.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Config holds broker settings and topic patterns. Patterns use a {badge}
// placeholder.
type Config struct {
	Broker             string
	ClientID           string
	Username           string
	Password           string
	PresenceTopic      string
	TranscriptionTopic string
	PublishTimeout     time.Duration
}

// PresenceEvent is published for every poke and unpoke.
type PresenceEvent struct {
	Badge     string    `json:"badge"`
	Kind      string    `json:"kind"`
	Speaker   string    `json:"speaker,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// SpanEvent is published for every word span.
type SpanEvent struct {
	Badge     string    `json:"badge"`
	Words     []string  `json:"words"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"ts"`
}

// Publisher wraps a connected paho client.
type Publisher struct {
	client paho.Client
	config Config
}

// NewPublisher connects to the broker with auto reconnect enabled.
func NewPublisher(config Config) (*Publisher, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetOnConnectHandler(connectHandler)
	opts.SetConnectionLostHandler(connectLostHandler)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Println("MQTT: Connected to broker:", config.Broker)
	return &Publisher{client: client, config: config}, nil
}

// PublishPresence mirrors a poke or unpoke sent to badge.
func (p *Publisher) PublishPresence(ev PresenceEvent) error {
	return p.publish(FormatTopic(p.config.PresenceTopic, ev.Badge), ev)
}

// PublishSpan mirrors a word span produced by badge.
func (p *Publisher) PublishSpan(ev SpanEvent) error {
	return p.publish(FormatTopic(p.config.TranscriptionTopic, ev.Badge), ev)
}

func (p *Publisher) publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	token := p.client.Publish(topic, 1, false, payload)
	timeout := p.config.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
	log.Println("MQTT: Disconnected")
}

// FormatTopic replaces the {badge} placeholder. Dots in IPv4 addresses are
// kept; MQTT only reserves '/', '+' and '#'.
func FormatTopic(pattern, badge string) string {
	badge = strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(badge)
	return strings.ReplaceAll(pattern, "{badge}", badge)
}

var connectHandler paho.OnConnectHandler = func(client paho.Client) {
	log.Println("MQTT: Connection established")
}

var connectLostHandler paho.ConnectionLostHandler = func(client paho.Client, err error) {
	log.Printf("MQTT: Connection lost: %v", err)
}
