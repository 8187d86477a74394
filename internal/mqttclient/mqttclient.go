// Package mqttclient wraps the paho MQTT client
package mqttclient

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"sentinel/internal/config"
)

// Client is a connected MQTT client
type Client struct {
	client mqtt.Client
}

// Config holds the broker connection settings
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string

	// Will is published retained by the broker if the connection is lost
	WillTopic   string
	WillPayload string
}

// ConfigFrom converts the loaded configuration
func ConfigFrom(c config.MQTTConfig) Config {
	return Config{
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		ClientID: c.ClientID,
	}
}

// clientID adds a random suffix to base. The broker drops the older of two
// sessions sharing an id.
func clientID(base string) string {
	if base == "" {
		base = "sentinel"
	}
	return base + "-" + uuid.NewString()[:8]
}

// NewClient connects to the broker
func NewClient(cfg Config) (*Client, error) {
	broker := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID(cfg.ClientID))
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("mqtt: connection lost", "broker", broker, "err", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		slog.Info("mqtt: connected", "broker", broker)
	})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.WillTopic != "" {
		opts.SetWill(cfg.WillTopic, cfg.WillPayload, 1, true)
	}

	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect error: %w", err)
	}

	return &Client{client: cli}, nil
}

// Publish sends payload and waits for the broker acknowledgement
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	return token.Error()
}

// Subscribe registers handler for topic
func (c *Client) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

// Close disconnects, allowing 250ms for in-flight work
func (c *Client) Close() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}
