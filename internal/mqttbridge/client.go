// Package mqttbridge connects the engine to an MQTT broker: notifications are
// published to the broker and metric readings from the broker are published
// on the event bus.
package mqttbridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/colebrumley/tripwire/internal/config"
)

const (
	connectTimeout    = 10 * time.Second
	operationTimeout  = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second
	maxPayloadSize    = 1 << 20
)

var (
	ErrNotConnected    = errors.New("mqtt: client not connected")
	ErrConnectFailed   = errors.New("mqtt: connection failed")
	ErrPublishFailed   = errors.New("mqtt: publish failed")
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")
)

// MessageHandler receives one message. Returned errors are logged.
type MessageHandler func(topic string, payload []byte) error

// Client wraps a paho client. Subscriptions are restored on reconnect.
type Client struct {
	client pahomqtt.Client
	qos    byte
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]MessageHandler
}

// Connect dials the broker in cfg. password is resolved by the caller from
// cfg.PasswordEnv.
// The caller scopes logger; Connect adds no attributes of its own.
func Connect(cfg config.MQTTConfig, password string, logger *slog.Logger) (*Client, error) {
	c := newClient(cfg, logger)

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.restore() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.logger.Warn("connection lost", "error", err)
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	return c, nil
}

func newClient(cfg config.MQTTConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		qos:    cfg.QoS,
		logger: logger,
		subs:   make(map[string]MessageHandler),
	}
}

// Publish sends payload to topic with the configured QoS, not retained.
func (c *Client) Publish(topic string, payload []byte) error {
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.client.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, c.qos, false, payload)
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, operationTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Subscribe registers handler for a topic filter (wildcards allowed).
func (c *Client) Subscribe(filter string, handler MessageHandler) error {
	token := c.client.Subscribe(filter, c.qos, c.wrap(handler))
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, operationTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	c.mu.Lock()
	c.subs[filter] = handler
	c.mu.Unlock()
	return nil
}

// Close disconnects after letting pending work drain.
func (c *Client) Close() {
	c.client.Disconnect(disconnectQuiesce)
}

func (c *Client) restore() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for filter, handler := range c.subs {
		c.client.Subscribe(filter, c.qos, c.wrap(handler))
	}
}

func (c *Client) wrap(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Warn("handler failed", "topic", msg.Topic(), "error", err)
		}
	}
}
