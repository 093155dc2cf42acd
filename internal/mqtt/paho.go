package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config describes the broker connection
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// PahoClient is a Client backed by an actual MQTT broker
type PahoClient struct {
	client   paho.Client
	logger   *zap.Logger
	dispatch *dispatcher

	mu   sync.Mutex
	subs map[string]subscription
}

// Dial connects to the broker. Subscriptions made through the client are
// restored whenever paho reconnects.
func Dial(cfg Config, logger *zap.Logger) (*PahoClient, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "smart-heating-" + uuid.NewString()[:8]
	}

	c := &PahoClient{
		logger: logger.Named("mqtt"),
		subs:   make(map[string]subscription),
	}
	c.dispatch = newDispatcher(c.logger)

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.logger.Warn("Connection to broker lost", zap.Error(err))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	c.logger.Info("Connected to MQTT broker",
		zap.String("broker", cfg.Broker),
		zap.String("client_id", cfg.ClientID))
	return c, nil
}

func (c *PahoClient) onConnect(client paho.Client) {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, sub := range c.subs {
		subs[topic] = sub
	}
	c.mu.Unlock()

	for topic, sub := range subs {
		if err := c.subscribe(topic, sub); err != nil {
			c.logger.Warn("Failed to restore subscription", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (c *PahoClient) subscribe(topic string, sub subscription) error {
	token := c.client.Subscribe(topic, sub.qos, func(_ paho.Client, msg paho.Message) {
		c.dispatch.dispatch(msg.Topic(), msg.Payload(), sub.handler)
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Subscribe registers handler for a topic filter
func (c *PahoClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	sub := subscription{qos: qos, handler: handler}
	if err := c.subscribe(topic, sub); err != nil {
		return err
	}

	c.mu.Lock()
	c.subs[topic] = sub
	c.mu.Unlock()
	return nil
}

// Unsubscribe drops topic filters
func (c *PahoClient) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	for _, topic := range topics {
		delete(c.subs, topic)
	}
	c.mu.Unlock()

	token := c.client.Unsubscribe(topics...)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("unsubscribe timeout")
	}
	return token.Error()
}

// Publish sends a message and waits for the broker to accept it
func (c *PahoClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Close disconnects from the broker and waits for queued messages to be
// handled
func (c *PahoClient) Close() {
	c.client.Disconnect(1000) // 1 second timeout
	c.dispatch.close()
}
