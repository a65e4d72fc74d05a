package mqttbridge

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const publishTimeout = 10 * time.Second

// ClientConfig describes the broker connection.
type ClientConfig struct {
	Broker   string
	Username string
	Password string
	// StatusTopic receives a retained "online" on connect and "offline" as the will.
	StatusTopic string
	Logger      *slog.Logger
}

// Client is a Publisher backed by a paho MQTT connection.
type Client struct {
	client mqtt.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]func(topic string, payload []byte)
}

func Dial(cfg ClientConfig) (*Client, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	if strings.HasPrefix(cfg.Broker, "ssl://") || strings.HasPrefix(cfg.Broker, "tls://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetClientID("automower-" + uuid.NewString())
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOrderMatters(false)
	if cfg.StatusTopic != "" {
		opts.SetWill(cfg.StatusTopic, "offline", 1, true)
	}

	c := &Client{
		logger: logger.With(slog.String("component", "mqtt")),
		subs:   make(map[string]func(string, []byte)),
	}
	opts.OnConnect = func(client mqtt.Client) {
		c.logger.Info("mqtt connected", slog.String("broker", cfg.Broker))
		if cfg.StatusTopic != "" {
			client.Publish(cfg.StatusTopic, 1, true, "online")
		}
		c.resubscribeAll(client)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.logger.Warn("mqtt connection lost", slog.String("error", err.Error()))
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	c.client = client
	return c, nil
}

func (c *Client) Publish(topic string, retained bool, payload []byte) error {
	token := c.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("mqtt publish timed out")
	}
	return token.Error()
}

func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()
	if token := c.client.Subscribe(topic, 1, c.messageHandler(handler)); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (c *Client) Close() {
	c.client.Disconnect(250)
}

func (c *Client) messageHandler(handler func(string, []byte)) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}
}

func (c *Client) resubscribeAll(client mqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]func(string, []byte), len(c.subs))
	for topic, handler := range c.subs {
		subs[topic] = handler
	}
	c.mu.Unlock()
	for topic, handler := range subs {
		_ = client.Subscribe(topic, 1, c.messageHandler(handler)).Wait()
	}
}
