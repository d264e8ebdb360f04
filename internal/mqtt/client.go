// Package mqtt publishes session notifications to an MQTT broker.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultKeepAlive      = 30 * time.Second
	defaultConnectRetry   = 5 * time.Second
	defaultPublishTimeout = 10 * time.Second
	defaultTopicPrefix    = "meshlink"
)

// ErrNotConnected is returned by Publish before Start succeeded or after Stop.
var ErrNotConnected = errors.New("mqtt: client not connected")

// Config holds connection parameters for the MQTT broker.
type Config struct {
	BrokerHost     string
	BrokerPort     int
	Username       string
	Password       string
	TopicPrefix    string
	ClientID       string
	QoS            byte
	Retain         bool
	KeepAlive      time.Duration
	ReconnectGap   time.Duration
	PublishTimeout time.Duration
}

// Topic joins the prefix and an event name into a publish topic.
func (c Config) Topic(event string) string {
	prefix := strings.TrimSuffix(c.TopicPrefix, "/")
	event = strings.TrimPrefix(event, "/")

	switch {
	case prefix == "":
		return event
	case event == "":
		return prefix
	default:
		return prefix + "/" + event
	}
}

func (c *Config) normalise() {
	if c.KeepAlive == 0 {
		c.KeepAlive = defaultKeepAlive
	}
	if c.ReconnectGap == 0 {
		c.ReconnectGap = defaultConnectRetry
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if strings.TrimSpace(c.TopicPrefix) == "" {
		c.TopicPrefix = defaultTopicPrefix
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.BrokerHost) == "" {
		return errors.New("mqtt: broker host must be provided")
	}
	if c.BrokerPort <= 0 {
		return errors.New("mqtt: broker port must be positive")
	}
	if c.QoS > 2 {
		return fmt.Errorf("mqtt: invalid qos %d", c.QoS)
	}
	return nil
}

// Client manages MQTT connectivity for publishing.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	client   mqtt.Client
	errs     chan error
	stopOnce sync.Once
}

// NewClient creates a Client with the given configuration.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.normalise()
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "mqtt")),
		errs:   make(chan error, 16),
	}, nil
}

// Config returns the normalised configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Errors returns asynchronous error notifications such as connection loss.
func (c *Client) Errors() <-chan error {
	return c.errs
}

// Start connects to the broker. The session is closed when ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.BrokerHost, c.cfg.BrokerPort))
	opts.SetOrderMatters(true)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(c.cfg.ReconnectGap)
	opts.SetAutoReconnect(true)

	if c.cfg.ClientID != "" {
		opts.SetClientID(c.cfg.ClientID)
	}
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	opts.OnConnect = func(mqtt.Client) {
		c.logger.Info("connected to broker", slog.String("broker", c.cfg.BrokerHost))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.publishErr(fmt.Errorf("mqtt: connection lost: %w", err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect failed: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.stop()
	}()

	return nil
}

// Publish sends payload to topic and waits for the broker to accept it.
func (c *Client) Publish(topic string, payload []byte) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return ErrNotConnected
	}

	token := client.Publish(topic, c.cfg.QoS, c.cfg.Retain, payload)
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return fmt.Errorf("mqtt: publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
	}
	return nil
}

// Stop terminates the MQTT session and closes the error channel.
func (c *Client) Stop() {
	c.stop()
}

func (c *Client) stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		client := c.client
		c.client = nil
		c.mu.Unlock()
		if client != nil && client.IsConnected() {
			client.Disconnect(250)
		}
		close(c.errs)
	})
}

func (c *Client) publishErr(err error) {
	if err == nil {
		return
	}
	select {
	case c.errs <- err:
	default:
		c.logger.Warn("dropping mqtt error", slog.Any("error", err))
	}
}
